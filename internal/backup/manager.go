package backup

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"

	"github.com/aelpxy/btrback/internal/btrfs"
	"github.com/aelpxy/btrback/internal/compression"
	"github.com/aelpxy/btrback/internal/encryption"
	"github.com/aelpxy/btrback/internal/lock"
	"github.com/aelpxy/btrback/internal/snapshot"
	"github.com/aelpxy/btrback/internal/storage"
)

type Config struct {
	TempDir     string
	Parallelism int
	// Compressor is nil when compression is disabled.
	Compressor  *compression.Compressor
	Locks       *lock.Manager
	LockTimeout time.Duration
	Metrics     metrics.Registry
}

type Manager struct {
	backend   storage.Backend
	registry  *Registry
	snapshots *snapshot.Manager
	volumes   btrfs.Volumes
	provider  encryption.Provider

	compressor  *compression.Compressor
	tempDir     string
	locks       *lock.Manager
	lockTimeout time.Duration
	stats       *stats
}

func NewManager(
	backend storage.Backend,
	snapshots *snapshot.Manager,
	volumes btrfs.Volumes,
	provider encryption.Provider,
	cfg Config,
) *Manager {
	if provider == nil {
		provider = encryption.NoOp{}
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewRegistry()
	}
	return &Manager{
		backend:     backend,
		registry:    NewRegistry(backend, cfg.Parallelism),
		snapshots:   snapshots,
		volumes:     volumes,
		provider:    provider,
		compressor:  cfg.Compressor,
		tempDir:     cfg.TempDir,
		locks:       cfg.Locks,
		lockTimeout: cfg.LockTimeout,
		stats:       newStats(cfg.Metrics),
	}
}

func (m *Manager) lock(key string) (func(), error) {
	if m.locks == nil {
		return func() {}, nil
	}
	if err := m.locks.TryLock(key, m.lockTimeout); err != nil {
		return nil, errors.Trace(err)
	}
	return func() { m.locks.Unlock(key) }, nil
}

// CreateBackup snapshots subvolume, serializes the snapshot and uploads it.
// The blob is always written before the metadata record, so a backup is
// only visible once its data is in place.
func (m *Manager) CreateBackup(ctx context.Context, subvolume string, opts CreateOptions) (*Backup, error) {
	start := time.Now()
	b, err := m.createBackup(ctx, filepath.Clean(subvolume), opts)
	if err != nil {
		m.stats.createFailed.Inc(1)
		return nil, err
	}
	m.stats.created.Inc(1)
	m.stats.createLatency.UpdateSince(start)
	return b, nil
}

func (m *Manager) createBackup(ctx context.Context, subvolume string, opts CreateOptions) (*Backup, error) {
	if opts.Parent != "" {
		opts.Incremental = true
	}
	if opts.Incremental && opts.Parent == "" {
		return nil, errors.NotValidf("incremental backup without a parent")
	}

	unlock, err := m.lock(subvolume)
	if err != nil {
		return nil, err
	}
	defer unlock()

	logger := log.WithField("subvolume", subvolume)

	var parent *Backup
	var parentSnap *snapshot.Snapshot
	if opts.Incremental {
		if parent, err = m.GetBackup(ctx, opts.Parent); err != nil {
			return nil, errors.Annotatef(err, "failed to load parent backup")
		}
		if parent.SubvolumePath != subvolume {
			return nil, errors.NotValidf("parent %s belongs to %s, not %s", parent.ID, parent.SubvolumePath, subvolume)
		}
		if parentSnap, err = m.parentSnapshot(ctx, parent); err != nil {
			return nil, err
		}
		logger = logger.WithField("parent_id", parent.ID)
	}

	var snap *snapshot.Snapshot
	if parentSnap != nil {
		snap, err = m.snapshots.CreateIncrementalSnapshot(ctx, subvolume, parentSnap.ID, opts.Description)
	} else {
		snap, err = m.snapshots.CreateSnapshot(ctx, subvolume, opts.Description)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "failed to snapshot %s", subvolume)
	}
	logger = logger.WithField("snapshot_id", snap.ID)

	committed := false
	defer func() {
		if committed {
			return
		}
		if err := m.snapshots.DeleteSnapshot(ctx, snap.ID); err != nil {
			logger.WithError(err).Warn("failed to remove snapshot of failed backup")
		}
	}()

	parentPath := ""
	if parentSnap != nil {
		parentPath = parentSnap.Path
	}
	stream, err := m.send(ctx, snap.Path, parentPath)
	if err != nil {
		return nil, err
	}

	id := newID()
	logger = logger.WithField("backup_id", id)

	payload, md, err := m.encode(stream)
	if err != nil {
		return nil, err
	}
	md[MetaSnapshotID] = snap.ID
	md[MetaStreamSize] = strconv.Itoa(len(stream))
	if host, err := os.Hostname(); err == nil {
		md[MetaHostname] = host
	}

	if err := m.backend.Put(ctx, BlobPath(id), payload); err != nil {
		return nil, errors.Annotatef(err, "failed to upload backup %s", id)
	}
	m.stats.bytesUploaded.Inc(int64(len(payload)))

	now := time.Now().UTC()
	name := opts.Name
	if name == "" {
		name = filepath.Base(subvolume) + "-" + now.Format("20060102-150405")
	}
	b := &Backup{
		ID:            id,
		Name:          name,
		Description:   opts.Description,
		SubvolumePath: subvolume,
		SnapshotPath:  snap.Path,
		Size:          uint64(len(payload)),
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      md,
		IsIncremental: parent != nil,
		ChildIDs:      []string{},
	}
	if parent != nil {
		b.ParentID = parent.ID
	}

	if err := m.registry.Save(ctx, b); err != nil {
		if derr := m.backend.Delete(ctx, BlobPath(id)); derr != nil {
			logger.WithError(derr).Warn("failed to remove orphaned blob")
		}
		return nil, err
	}
	committed = true

	if parent != nil {
		if err := m.registry.AddChild(ctx, parent.ID, id); err != nil {
			logger.WithError(err).Warn("failed to record child on parent backup")
		}
	}

	logger.WithFields(log.Fields{"size": b.Size, "incremental": b.IsIncremental}).Info("backup created")
	return b, nil
}

// parentSnapshot finds the snapshot a parent backup was taken from, by id
// and then by path for records that predate the snapshot_id key.
func (m *Manager) parentSnapshot(ctx context.Context, parent *Backup) (*snapshot.Snapshot, error) {
	if id := parent.Metadata[MetaSnapshotID]; id != "" {
		s, err := m.snapshots.FindSnapshot(ctx, id)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, snapshot.ErrSnapshotNotFound) {
			return nil, errors.Trace(err)
		}
	}
	if parent.SnapshotPath != "" {
		s, err := m.snapshots.FindByPath(ctx, parent.SnapshotPath)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, snapshot.ErrSnapshotNotFound) {
			return nil, errors.Trace(err)
		}
	}
	return nil, errors.WithType(
		errors.NotFoundf("snapshot of parent backup %s", parent.ID),
		snapshot.ErrSnapshotNotFound,
	)
}

// send serializes a snapshot through a temp file which is always removed.
func (m *Manager) send(ctx context.Context, path, parent string) ([]byte, error) {
	if err := os.MkdirAll(m.tempDir, 0755); err != nil {
		return nil, errors.Annotatef(err, "failed to create temp dir %s", m.tempDir)
	}
	tmp, err := os.CreateTemp(m.tempDir, "btrback-send-*")
	if err != nil {
		return nil, errors.Annotate(err, "failed to create temp file")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := m.volumes.Send(ctx, path, parent, tmp); err != nil {
		return nil, errors.Annotatef(err, "failed to serialize %s", path)
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.Annotate(err, "failed to flush send stream")
	}
	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, errors.Annotate(err, "failed to read send stream")
	}
	return data, nil
}

func (m *Manager) encode(stream []byte) ([]byte, map[string]string, error) {
	md := map[string]string{}
	payload := stream
	if m.compressor != nil {
		payload = m.compressor.Compress(payload)
		md[MetaCompression] = compression.Algorithm
	}
	payload, err := m.provider.Encrypt(payload)
	if err != nil {
		return nil, nil, errors.Annotate(err, "failed to encrypt backup")
	}
	md[MetaEncryption] = m.provider.Algorithm()
	return payload, md, nil
}

func (m *Manager) decode(b *Backup, payload []byte) ([]byte, error) {
	algorithm := b.Metadata[MetaEncryption]
	if algorithm == "" {
		algorithm = encryption.AlgorithmNone
	}
	if algorithm != m.provider.Algorithm() {
		return nil, errors.WithType(
			errors.Errorf("backup %s was written with %s but %s is configured", b.ID, algorithm, m.provider.Algorithm()),
			encryption.ErrEncryption,
		)
	}
	data, err := m.provider.Decrypt(payload)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to decrypt backup %s", b.ID)
	}

	switch c := b.Metadata[MetaCompression]; c {
	case "":
		return data, nil
	case compression.Algorithm:
		dec := m.compressor
		if dec == nil {
			if dec, err = compression.New(1); err != nil {
				return nil, err
			}
		}
		return dec.Decompress(data)
	default:
		return nil, errors.NotSupportedf("compression %q", c)
	}
}

func (m *Manager) ListBackups(ctx context.Context) ([]Backup, error) {
	return m.registry.List(ctx)
}

func (m *Manager) GetBackup(ctx context.Context, id string) (*Backup, error) {
	return m.registry.Get(ctx, id)
}

// VerifyBackup reports whether the metadata record can be fetched and
// parsed. The blob itself is not checked.
func (m *Manager) VerifyBackup(ctx context.Context, id string) (bool, error) {
	_, err := m.registry.Get(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errors.NotFound), errors.Is(err, ErrCorruptMetadata), errors.Is(err, errors.NotValid):
		log.WithField("backup_id", id).WithError(err).Debug("backup failed verification")
		return false, nil
	default:
		return false, err
	}
}

// DeleteBackup removes the blob, the metadata record and the snapshot the
// backup was taken from. Steps are not rolled back if a later one fails.
func (m *Manager) DeleteBackup(ctx context.Context, id string) error {
	b, err := m.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	logger := log.WithField("backup_id", id)
	if len(b.ChildIDs) > 0 {
		logger.WithField("children", b.ChildIDs).Warn("deleting backup that incremental backups depend on")
	}

	if err := m.backend.Delete(ctx, BlobPath(id)); err != nil {
		return errors.Annotatef(err, "failed to delete blob of %s", id)
	}
	if err := m.registry.Delete(ctx, id); err != nil {
		return err
	}
	m.stats.deleted.Inc(1)

	if b.ParentID != "" {
		if err := m.registry.RemoveChild(ctx, b.ParentID, id); err != nil && !errors.Is(err, errors.NotFound) {
			logger.WithError(err).Warn("failed to update parent backup")
		}
	}

	m.deleteSnapshot(ctx, b, logger)
	logger.Info("backup deleted")
	return nil
}

func (m *Manager) deleteSnapshot(ctx context.Context, b *Backup, logger *log.Entry) {
	if id := b.Metadata[MetaSnapshotID]; id != "" {
		err := m.snapshots.DeleteSnapshot(ctx, id)
		if err == nil {
			return
		}
		if !errors.Is(err, snapshot.ErrSnapshotNotFound) {
			logger.WithError(err).Warn("failed to delete snapshot")
			return
		}
	}
	if b.SnapshotPath != "" && m.volumes.IsSubvolume(ctx, b.SnapshotPath) {
		if err := m.volumes.Delete(ctx, b.SnapshotPath); err != nil {
			logger.WithError(err).Warn("failed to delete snapshot")
		}
	}
}
