package backup

import (
	"time"
)

// Backup is the metadata record persisted next to each blob.
type Backup struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	SubvolumePath string            `json:"subvolume_path"`
	SnapshotPath  string            `json:"snapshot_path,omitempty"`
	Size          uint64            `json:"size"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Metadata      map[string]string `json:"metadata"`
	IsIncremental bool              `json:"is_incremental"`
	ParentID      string            `json:"parent_id,omitempty"`
	ChildIDs      []string          `json:"child_ids"`
}

// Well known Metadata keys.
const (
	MetaSnapshotID  = "snapshot_id"
	MetaCompression = "compression"
	MetaEncryption  = "encryption"
	MetaStreamSize  = "stream_size"
	MetaHostname    = "hostname"
)

type CreateOptions struct {
	Name        string
	Description string
	// Incremental requests a delta against Parent, which must name an
	// existing backup of the same subvolume.
	Incremental bool
	Parent      string
}
