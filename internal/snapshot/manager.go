package snapshot

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/lucsky/cuid"
	log "github.com/sirupsen/logrus"

	"github.com/aelpxy/btrback/internal/btrfs"
)

const (
	idPrefix        = "snap_"
	timestampLayout = "20060102T150405Z"
)

type Option func(*Manager)

// WithMetadata sets key/values copied onto every new snapshot.
func WithMetadata(md map[string]string) Option {
	return func(m *Manager) {
		m.metadata = maps.Clone(md)
	}
}

// ReadOnly controls whether new snapshots are taken read-only. Snapshots
// must be read-only to be sent.
func ReadOnly(ro bool) Option {
	return func(m *Manager) {
		m.readOnly = ro
	}
}

// Manager owns the snapshot tree and the snapshot directory on disk. Each
// snapshot has a YAML sidecar next to it so the tree can be rebuilt by a
// later process.
type Manager struct {
	volumes  btrfs.Volumes
	dir      string
	tree     *Tree
	metadata map[string]string
	readOnly bool

	loadMu sync.Mutex
	loaded bool
	// corrupt holds snapshots whose recorded parent is gone. They stay out
	// of the tree so nothing sends against a lineage that no longer exists.
	corrupt map[string]Snapshot
	now     func() time.Time
}

func NewManager(volumes btrfs.Volumes, dir string, opts ...Option) *Manager {
	m := &Manager{
		volumes:  volumes,
		dir:      filepath.Clean(dir),
		tree:     NewTree(),
		readOnly: true,
		corrupt:  map[string]Snapshot{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) CreateSnapshot(ctx context.Context, subvolume, description string) (*Snapshot, error) {
	return m.create(ctx, subvolume, "", description)
}

func (m *Manager) CreateIncrementalSnapshot(ctx context.Context, subvolume, parentID, description string) (*Snapshot, error) {
	if parentID == "" {
		return nil, errors.NotValidf("empty parent snapshot id")
	}
	return m.create(ctx, subvolume, parentID, description)
}

func (m *Manager) create(ctx context.Context, subvolume, parentID, description string) (*Snapshot, error) {
	if err := m.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	if parentID != "" {
		if _, err := m.tree.Get(parentID); err != nil {
			return nil, errors.Trace(err)
		}
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, errors.Annotatef(err, "failed to create snapshot directory %s", m.dir)
	}

	now := m.now().UTC()
	base := filepath.Base(filepath.Clean(subvolume))
	name := fmt.Sprintf("%s_%s_%s", base, now.Format(timestampLayout), cuid.Slug())
	dest := filepath.Join(m.dir, name)

	logger := log.WithFields(log.Fields{"subvolume": subvolume, "path": dest})
	logger.Debug("taking snapshot")

	sv, err := m.volumes.Snapshot(ctx, subvolume, dest, m.readOnly)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to snapshot %s", subvolume)
	}

	md := maps.Clone(m.metadata)
	if md == nil {
		md = map[string]string{}
	}
	if description != "" {
		md["description"] = description
	}

	s := Snapshot{
		ID:        idPrefix + cuid.New(),
		Subvolume: subvolume,
		Path:      dest,
		ReadOnly:  sv.ReadOnly,
		CreatedAt: now,
		Size:      sv.Size,
		Metadata:  md,
		ParentID:  parentID,
	}

	if err := m.tree.Add(s); err != nil {
		m.discard(ctx, dest)
		return nil, errors.Trace(err)
	}
	if err := writeSidecar(s); err != nil {
		m.tree.Remove(s.ID)
		m.discard(ctx, dest)
		return nil, err
	}

	logger.WithField("snapshot_id", s.ID).Info("snapshot created")
	created, err := m.tree.Get(s.ID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &created, nil
}

func (m *Manager) discard(ctx context.Context, path string) {
	if err := m.volumes.Delete(ctx, path); err != nil {
		log.WithField("path", path).WithError(err).Warn("failed to clean up snapshot")
	}
}

func (m *Manager) FindSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	if err := m.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	if s, ok := m.corruptSnapshot(id); ok {
		return nil, corruptErr(s)
	}
	s, err := m.tree.Get(id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &s, nil
}

// Corrupt returns the snapshots found on disk whose parent is missing,
// oldest first. They are excluded from every other lookup.
func (m *Manager) Corrupt(ctx context.Context) ([]Snapshot, error) {
	if err := m.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	out := make([]Snapshot, 0, len(m.corrupt))
	for _, s := range m.corrupt {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Manager) corruptSnapshot(id string) (Snapshot, bool) {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	s, ok := m.corrupt[id]
	return s, ok
}

func corruptErr(s Snapshot) error {
	return errors.WithType(
		errors.Errorf("snapshot %s at %s references missing parent %s", s.ID, s.Path, s.ParentID),
		ErrCorruptTree,
	)
}

func (m *Manager) FindByPath(ctx context.Context, path string) (*Snapshot, error) {
	if err := m.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	path = filepath.Clean(path)
	for _, s := range m.corruptList() {
		if s.Path == path {
			return nil, corruptErr(s)
		}
	}
	for _, s := range m.tree.All() {
		if s.Path == path {
			return &s, nil
		}
	}
	return nil, errors.WithType(errors.NotFoundf("snapshot at %s", path), ErrSnapshotNotFound)
}

func (m *Manager) corruptList() []Snapshot {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	return slices.Collect(maps.Values(m.corrupt))
}

// ListSnapshots returns all known snapshots, oldest first.
func (m *Manager) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	if err := m.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return m.tree.All(), nil
}

// Lineage returns the chain of snapshots from the root down to id.
func (m *Manager) Lineage(ctx context.Context, id string) ([]Snapshot, error) {
	if err := m.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return m.tree.PathTo(id)
}

func (m *Manager) DeleteSnapshot(ctx context.Context, id string) error {
	if err := m.ensureLoaded(ctx); err != nil {
		return err
	}
	if s, ok := m.corruptSnapshot(id); ok {
		return m.deleteCorrupt(ctx, s)
	}
	s, err := m.tree.Get(id)
	if err != nil {
		return errors.Trace(err)
	}
	if len(s.ChildIDs) > 0 {
		return errors.WithType(
			errors.NotValidf("deleting snapshot %q with children %v", id, s.ChildIDs),
			ErrInvalidRelationship,
		)
	}

	if err := m.volumes.Delete(ctx, s.Path); err != nil {
		return errors.Annotatef(err, "failed to delete snapshot %s", id)
	}
	if err := removeSidecar(s.Path); err != nil {
		log.WithField("snapshot_id", id).WithError(err).Warn("failed to remove snapshot info")
	}
	if err := m.tree.Remove(id); err != nil {
		return errors.Trace(err)
	}

	log.WithFields(log.Fields{"snapshot_id": id, "path": s.Path}).Info("snapshot deleted")
	return nil
}

// deleteCorrupt removes a snapshot excluded from the index, as long as no
// other excluded snapshot still names it as parent.
func (m *Manager) deleteCorrupt(ctx context.Context, s Snapshot) error {
	for _, other := range m.corruptList() {
		if other.ParentID == s.ID {
			return errors.WithType(
				errors.NotValidf("deleting snapshot %q with child %q", s.ID, other.ID),
				ErrInvalidRelationship,
			)
		}
	}
	if err := m.volumes.Delete(ctx, s.Path); err != nil {
		return errors.Annotatef(err, "failed to delete snapshot %s", s.ID)
	}
	if err := removeSidecar(s.Path); err != nil {
		log.WithField("snapshot_id", s.ID).WithError(err).Warn("failed to remove snapshot info")
	}
	m.loadMu.Lock()
	delete(m.corrupt, s.ID)
	m.loadMu.Unlock()

	log.WithFields(log.Fields{"snapshot_id": s.ID, "path": s.Path}).Info("corrupt snapshot deleted")
	return nil
}

func (m *Manager) ensureLoaded(ctx context.Context) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	if m.loaded {
		return nil
	}
	if err := m.load(ctx); err != nil {
		return err
	}
	m.loaded = true
	return nil
}

// load rebuilds the tree from the subvolumes in the snapshot directory and
// their sidecars, inserting parents before children.
func (m *Manager) load(ctx context.Context) error {
	paths, err := m.volumes.List(ctx, m.dir)
	if err != nil {
		return errors.Annotatef(err, "failed to list snapshots in %s", m.dir)
	}

	pending := make(map[string]Snapshot, len(paths))
	for _, p := range paths {
		s, err := readSidecar(p)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.WithField("path", p).WithError(err).Warn("ignoring unreadable snapshot info")
				continue
			}
			s = m.recover(ctx, p)
		}
		if s.ID == "" {
			log.WithField("path", p).Warn("ignoring snapshot info without id")
			continue
		}
		pending[s.ID] = s
	}
	m.reportOrphanSidecars(pending)

	for len(pending) > 0 {
		progressed := false
		for id, s := range pending {
			if s.ParentID != "" {
				if _, waiting := pending[s.ParentID]; waiting {
					continue
				}
				if _, err := m.tree.Get(s.ParentID); err != nil {
					log.WithFields(log.Fields{"snapshot_id": id, "parent_id": s.ParentID, "path": s.Path}).
						Error("parent snapshot missing on disk, excluding snapshot from index")
					m.corrupt[id] = s
					delete(pending, id)
					progressed = true
					continue
				}
			}
			if err := m.tree.Add(s); err != nil && !errors.Is(err, errors.AlreadyExists) {
				return errors.Trace(err)
			}
			delete(pending, id)
			progressed = true
		}
		if !progressed {
			return errors.WithType(errors.Errorf("snapshot parents in %s form a cycle", m.dir), ErrCorruptTree)
		}
	}

	log.WithFields(log.Fields{"path": m.dir, "count": m.tree.Len()}).Debug("snapshot index loaded")
	return nil
}

// recover builds an entry for a subvolume that has no sidecar, using its
// directory name as id.
func (m *Manager) recover(ctx context.Context, path string) Snapshot {
	s := Snapshot{
		ID:       filepath.Base(path),
		Path:     path,
		Metadata: map[string]string{"recovered": "true"},
	}
	if sv, err := m.volumes.Show(ctx, path); err == nil {
		s.ReadOnly = sv.ReadOnly
		s.CreatedAt = sv.CreatedAt
		s.Size = sv.Size
	}
	if base, _, ok := strings.Cut(s.ID, "_"); ok {
		s.Subvolume = base
	}
	return s
}

func (m *Manager) reportOrphanSidecars(known map[string]Snapshot) {
	des, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	paths := make(map[string]bool, len(known))
	for _, s := range known {
		paths[s.Path] = true
	}
	for _, de := range des {
		if !isSidecar(de.Name()) {
			continue
		}
		p := filepath.Join(m.dir, strings.TrimSuffix(de.Name(), sidecarExt))
		if !paths[p] {
			log.WithField("path", p).Debug("snapshot info without subvolume")
		}
	}
}
