// Package blob stores cover images. The fs driver keeps them under the home
// directory for local use; the minio driver targets any S3-compatible
// object store.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/snapshelf/internal/pipeline"
)

// ErrNotFound is returned by Get for a URL with no stored object.
var ErrNotFound = errors.New("blob not found")

// ErrForeignURL is returned when a URL does not belong to the store.
var ErrForeignURL = errors.New("url does not belong to this store")

// Config selects and configures a driver.
type Config struct {
	Driver string // "fs" or "minio"

	// fs
	Dir string

	// minio
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// New builds the store named by cfg.Driver. The minio bucket is created if
// it does not exist.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (pipeline.BlobStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "", "fs":
		return NewFSStore(cfg.Dir)
	case "minio":
		s, err := NewMinioStore(
			WithEndpoint(cfg.Endpoint),
			WithBucket(cfg.Bucket),
			WithAccessKey(cfg.AccessKey),
			WithSecretKey(cfg.SecretKey),
			WithRegion(cfg.Region),
			WithSSL(cfg.UseSSL),
		)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		logger.Info("blob store ready", "driver", "minio", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
