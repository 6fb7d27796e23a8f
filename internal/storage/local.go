package storage

import (
	"context"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"

	"github.com/aelpxy/btrback/internal/utils"
)

type Local struct {
	root string
}

var _ Backend = (*Local)(nil)

func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, errors.NotValidf("empty local storage path")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to resolve %s", root)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, storageError(err, "failed to create storage root %s", abs)
	}
	return &Local{root: abs}, nil
}

func (l *Local) Root() string {
	return l.root
}

// resolve maps a logical path to a file below root. ".." and "." segments
// are dropped rather than interpreted.
func (l *Local) resolve(p string) (string, error) {
	clean := utils.CleanRelative(p)
	if clean == "" {
		return "", errors.NotValidf("object path %q", p)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

func (l *Local) Put(ctx context.Context, p string, data []byte) error {
	full, err := l.resolve(p)
	if err != nil {
		return err
	}
	if err := utils.AtomicWriteFile(full, data, 0644); err != nil {
		return storageError(err, "failed to write %s", p)
	}
	return nil
}

func (l *Local) Get(ctx context.Context, p string) ([]byte, error) {
	full, err := l.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("object %s", p)
		}
		return nil, storageError(err, "failed to read %s", p)
	}
	return data, nil
}

// List yields every object whose path starts with prefix. Like S3 the
// prefix is matched as a string, so "backups/a" also yields "backups/ab/x".
func (l *Local) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		keyPrefix := utils.CleanRelative(prefix)
		startRel := path.Dir(keyPrefix)
		if keyPrefix != "" && strings.HasSuffix(prefix, "/") {
			startRel = keyPrefix
			keyPrefix += "/"
		}
		start := l.root
		if startRel != "." && startRel != "" {
			start = filepath.Join(l.root, filepath.FromSlash(startRel))
		}
		if _, err := os.Stat(start); os.IsNotExist(err) {
			return
		}

		err := filepath.WalkDir(start, func(full string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(l.root, full)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if d.IsDir() {
				if rel != "." && !strings.HasPrefix(rel+"/", keyPrefix) && !strings.HasPrefix(keyPrefix, rel+"/") {
					return fs.SkipDir
				}
				return nil
			}
			if utils.IsTempName(d.Name()) || !strings.HasPrefix(rel, keyPrefix) {
				return nil
			}
			if !yield(rel, nil) {
				return fs.SkipAll
			}
			return nil
		})
		if err != nil {
			yield("", storageError(err, "failed to list %s", prefix))
		}
	}
}

func (l *Local) Delete(ctx context.Context, p string) error {
	full, err := l.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return storageError(err, "failed to delete %s", p)
	}
	utils.RemoveEmptyParents(filepath.Dir(full), l.root)
	return nil
}

func (l *Local) Exists(ctx context.Context, p string) bool {
	full, err := l.resolve(p)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

// Collect drains a listing into a sorted slice.
func Collect(seq iter.Seq2[string, error]) ([]string, error) {
	var out []string
	for p, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
