package storage

import (
	"context"
	"iter"

	"github.com/juju/errors"

	"github.com/aelpxy/btrback/pkg/models"
)

const ErrStorage = errors.ConstError("storage error")

// Backend is a flat object store addressed by slash separated paths.
type Backend interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	// List lazily yields every object path under prefix. Each call starts a
	// fresh enumeration.
	List(ctx context.Context, prefix string) iter.Seq2[string, error]
	Delete(ctx context.Context, path string) error
	// Exists reports false on any error.
	Exists(ctx context.Context, path string) bool
}

func storageError(err error, format string, args ...interface{}) error {
	return errors.WithType(errors.Annotatef(err, format, args...), ErrStorage)
}

// New builds the backend selected by cfg.Type.
func New(ctx context.Context, cfg models.StorageConfig) (Backend, error) {
	switch cfg.Type {
	case models.StorageLocal, "":
		return NewLocal(cfg.Local.Path)
	case models.StorageS3:
		return NewS3(ctx, cfg.S3)
	default:
		return nil, errors.NotValidf("storage type %q", cfg.Type)
	}
}
