package btrfs

import (
	"context"
	"io"
	"time"
)

// Subvolume is what the tool reports about a single subvolume.
type Subvolume struct {
	Path       string
	Name       string
	UUID       string
	ParentUUID string
	ReadOnly   bool
	CreatedAt  time.Time
	Size       uint64
}

// Volumes is the set of subvolume operations the snapshot and backup layers
// depend on. None of them are atomic.
type Volumes interface {
	Create(ctx context.Context, path string) error
	Snapshot(ctx context.Context, source, dest string, readOnly bool) (*Subvolume, error)
	Delete(ctx context.Context, path string) error
	// Move renames a subvolume within the same filesystem.
	Move(ctx context.Context, src, dst string) error
	Send(ctx context.Context, path, parent string, w io.Writer) error
	Receive(ctx context.Context, r io.Reader, dir string) (string, error)
	Show(ctx context.Context, path string) (*Subvolume, error)
	IsSubvolume(ctx context.Context, path string) bool
	List(ctx context.Context, dir string) ([]string, error)
}
