package stores

import (
	"context"
	"net/http"

	"github.com/Bamington/battleplanapp-sub000/config"
	"github.com/Bamington/battleplanapp-sub000/core"
	"github.com/Bamington/battleplanapp-sub000/stores/aws"
	"github.com/Bamington/battleplanapp-sub000/stores/filesystem"
	"github.com/Bamington/battleplanapp-sub000/stores/memory"
	"github.com/Bamington/battleplanapp-sub000/stores/sqlite"
	"github.com/sirupsen/logrus"
)

// Backend bundles the data and object-storage collaborators.
type Backend struct {
	Data    core.DataStore
	Objects core.ObjectStore
	// Files serves the objects kept by this process under their public URL
	// prefix. It is nil when objects are served by another service.
	Files http.Handler
	close     func() error
}

// Close releases the data store.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// GetBackend builds the collaborators selected by the configuration.
func GetBackend(ctx context.Context, cfg *config.Config) (*Backend, error) {
	backend := &Backend{}
	storageField := logrus.Fields{
		"storageType":       cfg.StorageType,
		"objectStorageType": cfg.ObjectStorageType,
	}

	switch cfg.StorageType {
	case "sqlite":
		store, err := sqlite.NewStore(cfg.DataSourceName)
		if err != nil {
			return nil, err
		}
		storageField["dataSourceName"] = cfg.DataSourceName
		backend.Data = store
		backend.close = store.Close
	default:
		backend.Data = memory.NewStore()
		storageField["storageType"] = "in-memory"
	}

	// Objects kept by this process are served under /storage unless a public
	// base URL is configured.
	localURL := cfg.PublicBaseURL
	if localURL == "" {
		localURL = "/storage"
	}

	switch cfg.ObjectStorageType {
	case "filesystem":
		objects, err := filesystem.NewObjectStore(cfg.LocalStoragePath, localURL)
		if err != nil {
			return nil, err
		}
		storageField["basePath"] = cfg.LocalStoragePath
		backend.Objects = objects
		backend.Files = http.FileServer(http.Dir(objects.BasePath()))
	case "s3":
		objects, err := aws.NewObjectStore(ctx, cfg.S3BucketName, cfg.PublicBaseURL)
		if err != nil {
			return nil, err
		}
		storageField["bucketName"] = cfg.S3BucketName
		backend.Objects = objects
	default:
		objects := memory.NewObjectStore(localURL)
		backend.Objects = objects
		backend.Files = objects
		storageField["objectStorageType"] = "in-memory"
	}

	logrus.WithFields(storageField).Info("Use storage")
	return backend, nil
}
