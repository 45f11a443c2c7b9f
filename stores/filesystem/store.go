package filesystem

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/Bamington/battleplanapp-sub000/core"
	"github.com/sirupsen/logrus"
)

// ObjectStore keeps uploaded objects on local disk, one directory per bucket.
type ObjectStore struct {
	basePath string
	baseURL  string
}

// NewObjectStore creates a filesystem-based object store. Public URLs are
// rooted at baseURL, which the server maps back onto basePath.
func NewObjectStore(basePath, baseURL string) (*ObjectStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &ObjectStore{basePath: basePath, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// BasePath returns the directory objects are stored under.
func (s *ObjectStore) BasePath() string {
	return s.basePath
}

// objectPath resolves bucket/path under the base directory, rejecting paths
// that escape it.
func (s *ObjectStore) objectPath(bucket, path string) (string, error) {
	absBase, err := filepath.Abs(filepath.Join(s.basePath, bucket))
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(filepath.Join(absBase, filepath.FromSlash(path)))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path %q: access denied", path)
	}
	return absPath, nil
}

func (s *ObjectStore) Upload(ctx context.Context, bucket, path string, data []byte, opts core.UploadOptions) (string, error) {
	filePath, err := s.objectPath(bucket, path)
	if err != nil {
		return "", err
	}
	log := logrus.WithFields(logrus.Fields{"bucket": bucket, "path": path, "file_path": filePath})

	if !opts.Upsert {
		if _, err := os.Stat(filePath); err == nil {
			return "", fmt.Errorf("upload %s/%s: %w", bucket, path, core.ErrObjectExists)
		}
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		log.WithError(err).Error("Failed to create object directory")
		return "", err
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		log.WithError(err).Error("Failed to write object")
		return "", err
	}

	log.WithField("size", len(data)).Info("Object stored")
	return path, nil
}

func (s *ObjectStore) PublicURL(bucket, path string) string {
	u := &url.URL{Path: "/" + bucket + "/" + strings.TrimLeft(path, "/")}
	return s.baseURL + u.EscapedPath()
}

func (s *ObjectStore) Remove(ctx context.Context, bucket string, paths ...string) error {
	for _, p := range paths {
		filePath, err := s.objectPath(bucket, p)
		if err != nil {
			return err
		}
		if err := os.Remove(filePath); err != nil {
			if os.IsNotExist(err) {
				logrus.WithField("path", filePath).Warn("Object not found for deletion, considered successful.")
				continue
			}
			return err
		}
	}
	return nil
}
