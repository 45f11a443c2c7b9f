// Package config reads server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type (
	Config struct {
		StorageType       string   `env:"STORAGE_TYPE" envDefault:"memory"`
		DataSourceName    string   `env:"DATA_SOURCE_NAME" envDefault:"battleplan.db"`
		ObjectStorageType string   `env:"OBJECT_STORAGE_TYPE" envDefault:"memory"`
		LocalStoragePath  string   `env:"LOCAL_STORAGE_PATH" envDefault:"./data"`
		S3BucketName      string   `env:"S3_BUCKET_NAME"`
		PublicBaseURL     string   `env:"PUBLIC_BASE_URL"`
		ImageBucket       string   `env:"IMAGE_BUCKET" envDefault:"images"`
		LocalStorePath    string   `env:"LOCAL_STORE_PATH" envDefault:"./data/local.json"`
		AllowedOrigins    []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"https://*,http://*"`

		// CameraSnapshotURL enables server-side capture from a network camera.
		CameraSnapshotURL string `env:"CAMERA_SNAPSHOT_URL"`

		Cache  CacheConfig
		Images ImageConfig
		Auth   AuthConfig
	}

	CacheConfig struct {
		TTL time.Duration `env:"CACHE_TTL" envDefault:"5m"`
		// IconTTL of zero keeps icons until a mutation invalidates them.
		IconTTL              time.Duration `env:"ICON_CACHE_TTL" envDefault:"0s"`
		StaleWhileRevalidate bool          `env:"CACHE_SWR" envDefault:"true"`
	}

	ImageConfig struct {
		MaxCaptureBytes int64 `env:"MAX_CAPTURE_BYTES" envDefault:"52428800"`
		MaxBatchBytes   int64 `env:"MAX_BATCH_BYTES" envDefault:"10485760"`
		MaxWidth        int   `env:"IMAGE_MAX_WIDTH" envDefault:"1200"`
		MaxHeight       int   `env:"IMAGE_MAX_HEIGHT" envDefault:"1200"`
		Quality         int   `env:"IMAGE_QUALITY" envDefault:"80"`
	}

	AuthConfig struct {
		JWTSecret          string `env:"JWT_SECRET"`
		OIDCIssuerURL      string `env:"OIDC_ISSUER_URL"`
		OIDCClientID       string `env:"OIDC_CLIENT_ID"`
		OIDCClientSecret   string `env:"OIDC_CLIENT_SECRET"`
		OIDCRedirectURL    string `env:"OIDC_REDIRECT_URL"`
		GitHubClientID     string `env:"GITHUB_CLIENT_ID"`
		GitHubClientSecret string `env:"GITHUB_CLIENT_SECRET"`
		GitHubRedirectURL  string `env:"GITHUB_REDIRECT_URL"`
	}
)

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StorageType {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown STORAGE_TYPE %q", c.StorageType)
	}
	switch c.ObjectStorageType {
	case "memory", "filesystem":
	case "s3":
		if c.S3BucketName == "" {
			return fmt.Errorf("S3_BUCKET_NAME environment variable must be set for s3 storage type")
		}
	default:
		return fmt.Errorf("unknown OBJECT_STORAGE_TYPE %q", c.ObjectStorageType)
	}
	if c.Images.Quality < 1 || c.Images.Quality > 100 {
		return fmt.Errorf("IMAGE_QUALITY must be between 1 and 100, got %d", c.Images.Quality)
	}
	if c.Images.MaxWidth <= 0 || c.Images.MaxHeight <= 0 {
		return fmt.Errorf("image bounds must be positive, got %dx%d", c.Images.MaxWidth, c.Images.MaxHeight)
	}
	if c.Cache.TTL < 0 || c.Cache.IconTTL < 0 {
		return fmt.Errorf("cache TTLs must not be negative")
	}
	return nil
}
