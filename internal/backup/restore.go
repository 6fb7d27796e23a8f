package backup

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aelpxy/btrback/internal/btrfs"
)

// RestoreBackup materialises backup id as a writable subvolume at target,
// or at the subvolume it was taken from when target is empty. Incremental
// backups are restored by replaying the whole chain from its full root into
// a staging directory next to target. An existing target subvolume is only
// removed once its replacement is in place.
func (m *Manager) RestoreBackup(ctx context.Context, id, target string) error {
	start := time.Now()
	if err := m.restoreBackup(ctx, id, target); err != nil {
		m.stats.restoreFailed.Inc(1)
		return err
	}
	m.stats.restored.Inc(1)
	m.stats.restoreLatency.UpdateSince(start)
	return nil
}

func (m *Manager) restoreBackup(ctx context.Context, id, target string) error {
	b, err := m.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	chain, err := m.Chain(ctx, b)
	if err != nil {
		return err
	}

	if target == "" {
		target = b.SubvolumePath
	}
	target, err = filepath.Abs(target)
	if err != nil {
		return errors.Annotatef(err, "failed to resolve %s", target)
	}
	replace := false
	if _, err := os.Lstat(target); err == nil {
		if !m.volumes.IsSubvolume(ctx, target) {
			return errors.WithType(errors.NotValidf("restore target %s exists and is not a subvolume", target), btrfs.InvalidSubvolume)
		}
		replace = true
	}

	unlock, err := m.lock(target)
	if err != nil {
		return err
	}
	defer unlock()

	parentDir := filepath.Dir(target)
	if err := os.MkdirAll(parentDir, 0755); err != nil {
		return errors.Annotatef(err, "failed to create %s", parentDir)
	}
	staging, err := os.MkdirTemp(parentDir, ".btrback-restore-*")
	if err != nil {
		return errors.Annotate(err, "failed to create staging directory")
	}

	logger := log.WithFields(log.Fields{"backup_id": id, "path": target})

	var staged []string
	keepStaging := false
	defer func() {
		for _, p := range slices.Backward(staged) {
			if err := m.volumes.Delete(ctx, p); err != nil {
				logger.WithError(err).WithField("staged", p).Warn("failed to remove staged subvolume")
			}
		}
		if keepStaging {
			return
		}
		if err := os.RemoveAll(staging); err != nil {
			logger.WithError(err).Warn("failed to remove staging directory")
		}
	}()

	for _, link := range chain {
		received, err := m.receive(ctx, &link, staging)
		if err != nil {
			return err
		}
		staged = append(staged, received)
		logger.WithField("link", link.ID).Debug("received backup")
	}

	restored := filepath.Join(staging, "restored")
	if _, err := m.volumes.Snapshot(ctx, staged[len(staged)-1], restored, false); err != nil {
		return errors.Annotatef(err, "failed to materialise %s", target)
	}
	staged = append(staged, restored)

	if !replace {
		if err := m.volumes.Move(ctx, restored, target); err != nil {
			return errors.Annotatef(err, "failed to move restored subvolume to %s", target)
		}
		staged = staged[:len(staged)-1]
	} else {
		previous := filepath.Join(staging, "previous")
		if err := m.volumes.Move(ctx, target, previous); err != nil {
			return errors.Annotatef(err, "failed to move %s aside", target)
		}
		if err := m.volumes.Move(ctx, restored, target); err != nil {
			if rerr := m.volumes.Move(ctx, previous, target); rerr != nil {
				keepStaging = true
				logger.WithError(rerr).WithField("previous", previous).Error("failed to put previous subvolume back, it is kept in the staging directory")
			}
			return errors.Annotatef(err, "failed to replace %s", target)
		}
		staged = append(staged[:len(staged)-1], previous)
	}

	logger.WithField("links", len(chain)).Info("backup restored")
	return nil
}

// Chain returns the backups from the full root down to b.
func (m *Manager) Chain(ctx context.Context, b *Backup) ([]Backup, error) {
	chain := []Backup{*b}
	seen := map[string]bool{b.ID: true}
	for cur := b; cur.ParentID != ""; {
		if seen[cur.ParentID] {
			return nil, errors.NotValidf("backup chain of %s loops at %s", b.ID, cur.ParentID)
		}
		parent, err := m.GetBackup(ctx, cur.ParentID)
		if err != nil {
			return nil, errors.Annotatef(err, "backup %s depends on missing parent %s", cur.ID, cur.ParentID)
		}
		seen[parent.ID] = true
		chain = append(chain, *parent)
		cur = parent
	}
	slices.Reverse(chain)
	return chain, nil
}

// receive downloads one link into a temp file and feeds it to btrfs receive.
func (m *Manager) receive(ctx context.Context, b *Backup, dir string) (string, error) {
	payload, err := m.backend.Get(ctx, BlobPath(b.ID))
	if err != nil {
		return "", errors.Annotatef(err, "failed to download backup %s", b.ID)
	}
	m.stats.bytesRestored.Inc(int64(len(payload)))

	stream, err := m.decode(b, payload)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(m.tempDir, 0755); err != nil {
		return "", errors.Annotatef(err, "failed to create temp dir %s", m.tempDir)
	}
	tmp, err := os.CreateTemp(m.tempDir, "btrback-recv-*")
	if err != nil {
		return "", errors.Annotate(err, "failed to create temp file")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(stream); err != nil {
		return "", errors.Annotate(err, "failed to write receive stream")
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return "", errors.Trace(err)
	}

	received, err := m.volumes.Receive(ctx, tmp, dir)
	if err != nil {
		return "", errors.Annotatef(err, "failed to receive backup %s", b.ID)
	}
	return received, nil
}
