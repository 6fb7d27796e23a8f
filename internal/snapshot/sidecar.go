package snapshot

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/aelpxy/btrback/internal/utils"
)

const sidecarExt = ".snapinfo"

func sidecarPath(snapshotPath string) string {
	return snapshotPath + sidecarExt
}

func writeSidecar(s Snapshot) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return errors.Annotatef(err, "failed to encode snapshot info for %s", s.ID)
	}
	if err := utils.AtomicWriteFile(sidecarPath(s.Path), data, 0644); err != nil {
		return errors.Annotatef(err, "failed to write snapshot info for %s", s.ID)
	}
	return nil
}

func readSidecar(snapshotPath string) (Snapshot, error) {
	var s Snapshot
	data, err := os.ReadFile(sidecarPath(snapshotPath))
	if err != nil {
		return s, errors.Trace(err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, errors.Annotatef(err, "failed to decode %s", sidecarPath(snapshotPath))
	}
	s.Path = snapshotPath
	return s, nil
}

func removeSidecar(snapshotPath string) error {
	err := os.Remove(sidecarPath(snapshotPath))
	if err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	return nil
}

func isSidecar(name string) bool {
	return strings.HasSuffix(name, sidecarExt) && filepath.Base(name) != sidecarExt
}
