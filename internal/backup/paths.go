package backup

import (
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

const (
	rootPrefix     = "backups/"
	blobExt        = ".btrfs"
	metadataSuffix = "/metadata"
)

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidateID accepts the 32 character lowercase hex ids produced by newID.
func ValidateID(id string) error {
	if len(id) != 32 {
		return errors.NotValidf("backup id %q", id)
	}
	for _, c := range id {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return errors.NotValidf("backup id %q", id)
		}
	}
	return nil
}

func shard(id string) string {
	return rootPrefix + id[:2]
}

func BlobPath(id string) string {
	return path.Join(shard(id), id+blobExt)
}

func MetadataPath(id string) string {
	return path.Join(shard(id), id) + metadataSuffix
}

func isMetadataPath(p string) bool {
	return strings.HasPrefix(p, rootPrefix) && strings.HasSuffix(p, metadataSuffix)
}
