package backup

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aelpxy/btrback/internal/storage"
)

const ErrCorruptMetadata = errors.ConstError("corrupt backup metadata")

// Registry reads and writes backup metadata records in a storage backend.
type Registry struct {
	backend     storage.Backend
	parallelism int
}

func NewRegistry(backend storage.Backend, parallelism int) *Registry {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Registry{backend: backend, parallelism: parallelism}
}

func (r *Registry) Save(ctx context.Context, b *Backup) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return errors.Annotatef(err, "failed to marshal backup %s", b.ID)
	}
	if err := r.backend.Put(ctx, MetadataPath(b.ID), data); err != nil {
		return errors.Annotatef(err, "failed to write metadata for %s", b.ID)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*Backup, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	data, err := r.backend.Get(ctx, MetadataPath(id))
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			return nil, errors.NotFoundf("backup %s", id)
		}
		return nil, errors.Annotatef(err, "failed to read metadata for %s", id)
	}
	return decode(id, data)
}

func decode(id string, data []byte) (*Backup, error) {
	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, errors.WithType(errors.Annotatef(err, "failed to parse metadata for %s", id), ErrCorruptMetadata)
	}
	if b.ID == "" {
		return nil, errors.WithType(errors.Errorf("metadata for %s has no id", id), ErrCorruptMetadata)
	}
	return &b, nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.backend.Delete(ctx, MetadataPath(id)); err != nil {
		return errors.Annotatef(err, "failed to delete metadata for %s", id)
	}
	return nil
}

// List fetches every metadata record with bounded parallelism and returns
// them newest first. Records that cannot be read or parsed are skipped.
func (r *Registry) List(ctx context.Context) ([]Backup, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)

	var (
		mu      sync.Mutex
		backups []Backup
	)

	for p, err := range r.backend.List(ctx, rootPrefix) {
		if err != nil {
			g.Wait()
			return nil, errors.Annotate(err, "failed to list backups")
		}
		if !isMetadataPath(p) {
			continue
		}
		g.Go(func() error {
			data, err := r.backend.Get(gctx, p)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.WithField("path", p).WithError(err).Warn("skipping unreadable backup metadata")
				return nil
			}
			b, err := decode(p, data)
			if err != nil {
				log.WithField("path", p).WithError(err).Warn("skipping unparsable backup metadata")
				return nil
			}
			mu.Lock()
			backups = append(backups, *b)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Trace(err)
	}

	sort.Slice(backups, func(i, j int) bool {
		if backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].ID > backups[j].ID
		}
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

func (r *Registry) update(ctx context.Context, id string, fn func(*Backup)) error {
	b, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	fn(b)
	b.UpdatedAt = time.Now().UTC()
	return r.Save(ctx, b)
}

func (r *Registry) AddChild(ctx context.Context, parentID, childID string) error {
	return r.update(ctx, parentID, func(b *Backup) {
		if !slices.Contains(b.ChildIDs, childID) {
			b.ChildIDs = append(b.ChildIDs, childID)
		}
	})
}

func (r *Registry) RemoveChild(ctx context.Context, parentID, childID string) error {
	return r.update(ctx, parentID, func(b *Backup) {
		b.ChildIDs = slices.DeleteFunc(b.ChildIDs, func(c string) bool { return c == childID })
	})
}
