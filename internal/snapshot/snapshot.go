package snapshot

import (
	"maps"
	"slices"
	"time"

	"github.com/juju/errors"
)

const (
	ErrSnapshotNotFound    = errors.ConstError("snapshot not found")
	ErrInvalidRelationship = errors.ConstError("invalid snapshot relationship")
	ErrCorruptTree         = errors.ConstError("snapshot tree corrupt")
)

// Snapshot is a point-in-time subvolume copy. ParentID and ChildIDs refer to
// other snapshots by id only.
type Snapshot struct {
	ID        string            `yaml:"id" json:"id"`
	Subvolume string            `yaml:"subvolume" json:"subvolume"`
	Path      string            `yaml:"path" json:"path"`
	ReadOnly  bool              `yaml:"read_only" json:"read_only"`
	CreatedAt time.Time         `yaml:"created_at" json:"created_at"`
	Size      uint64            `yaml:"size" json:"size"`
	Metadata  map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	ParentID  string            `yaml:"parent_id,omitempty" json:"parent_id,omitempty"`
	ChildIDs  []string          `yaml:"-" json:"child_ids"`
}

func (s Snapshot) IsIncremental() bool {
	return s.ParentID != ""
}

func (s Snapshot) Description() string {
	return s.Metadata["description"]
}

func (s Snapshot) clone() Snapshot {
	s.Metadata = maps.Clone(s.Metadata)
	s.ChildIDs = slices.Clone(s.ChildIDs)
	return s
}

func notFound(id string) error {
	return errors.WithType(errors.NotFoundf("snapshot %q", id), ErrSnapshotNotFound)
}
