package backup

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/aelpxy/btrback/internal/btrfs"
	"github.com/aelpxy/btrback/internal/btrfs/btrfstest"
	"github.com/aelpxy/btrback/internal/compression"
	"github.com/aelpxy/btrback/internal/encryption"
	"github.com/aelpxy/btrback/internal/lock"
	"github.com/aelpxy/btrback/internal/snapshot"
	"github.com/aelpxy/btrback/internal/storage"
)

type env struct {
	root      string
	data      string
	volumes   *btrfstest.Volumes
	backend   storage.Backend
	local     *storage.Local
	snapshots *snapshot.Manager
	provider  encryption.Provider
	tempDir   string
	registry  metrics.Registry
	manager   *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	e := &env{
		root:     root,
		data:     filepath.Join(root, "data"),
		volumes:  btrfstest.New(),
		tempDir:  filepath.Join(root, "tmp"),
		registry: metrics.NewRegistry(),
	}
	if err := e.volumes.Create(ctx, e.data); err != nil {
		t.Fatal(err)
	}
	e.write(t, "v1")

	local, err := storage.NewLocal(filepath.Join(root, "store"))
	if err != nil {
		t.Fatal(err)
	}
	e.local = local
	e.backend = local

	key, err := encryption.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if e.provider, err = encryption.NewAEAD(encryption.AlgorithmAES256GCM, key); err != nil {
		t.Fatal(err)
	}
	e.snapshots = snapshot.NewManager(e.volumes, filepath.Join(root, "snapshots"))
	e.manager = e.build(t, e.backend, e.provider)
	return e
}

func (e *env) build(t *testing.T, backend storage.Backend, provider encryption.Provider) *Manager {
	t.Helper()
	compressor, err := compression.New(3)
	if err != nil {
		t.Fatal(err)
	}
	locks, err := lock.NewManager(filepath.Join(e.root, "locks"))
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(backend, e.snapshots, e.volumes, provider, Config{
		TempDir:     e.tempDir,
		Parallelism: 4,
		Compressor:  compressor,
		Locks:       locks,
		LockTimeout: 5 * time.Second,
		Metrics:     e.registry,
	})
}

func (e *env) write(t *testing.T, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(e.data, "notes.txt"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func readNotes(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	if err != nil {
		t.Fatalf("read notes: %v", err)
	}
	return string(data)
}

func assertTempEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestFullBackupRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	b, err := e.manager.CreateBackup(ctx, e.data, CreateOptions{Name: "first", Description: "initial"})
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	if err := ValidateID(b.ID); err != nil {
		t.Fatalf("generated id invalid: %v", err)
	}
	if b.IsIncremental || b.ParentID != "" || b.Name != "first" {
		t.Fatalf("unexpected record: %+v", b)
	}
	if b.Metadata[MetaSnapshotID] == "" || b.Metadata[MetaCompression] != "zstd" || b.Metadata[MetaEncryption] != encryption.AlgorithmAES256GCM {
		t.Fatalf("metadata = %v", b.Metadata)
	}
	if !e.backend.Exists(ctx, "backups/"+b.ID[:2]+"/"+b.ID+".btrfs") {
		t.Fatalf("blob not at sharded path")
	}
	if !e.backend.Exists(ctx, "backups/"+b.ID[:2]+"/"+b.ID+"/metadata") {
		t.Fatalf("metadata not at sharded path")
	}
	assertTempEmpty(t, e.tempDir)

	target := filepath.Join(e.root, "restored")
	if err := e.manager.RestoreBackup(ctx, b.ID, target); err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}
	if got := readNotes(t, target); got != "v1" {
		t.Fatalf("restored notes = %q", got)
	}
	sv, err := e.volumes.Show(ctx, target)
	if err != nil || sv.ReadOnly {
		t.Fatalf("restored target should be a writable subvolume: %+v, %v", sv, err)
	}
	assertTempEmpty(t, e.tempDir)

	entries, _ := os.ReadDir(e.root)
	for _, de := range entries {
		if strings.HasPrefix(de.Name(), ".btrback-restore-") {
			t.Fatalf("staging directory left behind: %s", de.Name())
		}
	}
}

func TestIncrementalScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	b1, err := e.manager.CreateBackup(ctx, e.data, CreateOptions{Name: "b1"})
	if err != nil {
		t.Fatalf("B1: %v", err)
	}
	e.write(t, "v2")
	b2, err := e.manager.CreateBackup(ctx, e.data, CreateOptions{Name: "b2", Incremental: true, Parent: b1.ID})
	if err != nil {
		t.Fatalf("B2: %v", err)
	}

	if !b2.IsIncremental || b2.ParentID != b1.ID {
		t.Fatalf("B2 not linked to B1: %+v", b2)
	}
	parent, err := e.manager.GetBackup(ctx, b1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(parent.ChildIDs) != 1 || parent.ChildIDs[0] != b2.ID {
		t.Fatalf("B1 children = %v", parent.ChildIDs)
	}

	list, err := e.manager.ListBackups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != b2.ID || list[1].ID != b1.ID {
		t.Fatalf("list = %v", list)
	}

	r2 := filepath.Join(e.root, "r2")
	if err := e.manager.RestoreBackup(ctx, b2.ID, r2); err != nil {
		t.Fatalf("restore B2: %v", err)
	}
	if got := readNotes(t, r2); got != "v2" {
		t.Fatalf("B2 notes = %q", got)
	}

	r1 := filepath.Join(e.root, "r1")
	if err := e.manager.RestoreBackup(ctx, b1.ID, r1); err != nil {
		t.Fatalf("restore B1: %v", err)
	}
	if got := readNotes(t, r1); got != "v1" {
		t.Fatalf("B1 notes = %q", got)
	}

	chain, err := e.manager.Chain(ctx, b2)
	if err != nil || len(chain) != 2 || chain[0].ID != b1.ID {
		t.Fatalf("chain = %v, %v", chain, err)
	}
}

func TestDeleteBackup(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	b1, _ := e.manager.CreateBackup(ctx, e.data, CreateOptions{})
	e.write(t, "v2")
	b2, err := e.manager.CreateBackup(ctx, e.data, CreateOptions{Parent: b1.ID})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.manager.DeleteBackup(ctx, b2.ID); err != nil {
		t.Fatalf("DeleteBackup: %v", err)
	}
	if e.backend.Exists(ctx, BlobPath(b2.ID)) || e.backend.Exists(ctx, MetadataPath(b2.ID)) {
		t.Fatalf("objects of B2 remain")
	}
	paths, err := storage.Collect(e.backend.List(ctx, "backups/"))
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range paths {
		if p == BlobPath(b2.ID) || p == MetadataPath(b2.ID) {
			t.Fatalf("listing still contains %s", p)
		}
	}
	if !slices.Contains(paths, BlobPath(b1.ID)) {
		t.Fatalf("listing lost B1's blob: %v", paths)
	}
	if _, err := e.manager.GetBackup(ctx, b2.ID); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := os.Stat(b2.SnapshotPath); !os.IsNotExist(err) {
		t.Fatalf("snapshot of B2 still on disk")
	}
	parent, _ := e.manager.GetBackup(ctx, b1.ID)
	if len(parent.ChildIDs) != 0 {
		t.Fatalf("B1 still lists children %v", parent.ChildIDs)
	}
	list, _ := e.manager.ListBackups(ctx)
	if len(list) != 1 || list[0].ID != b1.ID {
		t.Fatalf("list after delete = %v", list)
	}
	if got := metrics.GetOrRegisterCounter(statDeleted, e.registry).Count(); got != 1 {
		t.Fatalf("deleted counter = %d", got)
	}
}

func TestVerifyBackup(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b, _ := e.manager.CreateBackup(ctx, e.data, CreateOptions{})

	if ok, err := e.manager.VerifyBackup(ctx, b.ID); !ok || err != nil {
		t.Fatalf("Verify existing = %v, %v", ok, err)
	}
	if ok, err := e.manager.VerifyBackup(ctx, strings.Repeat("0", 32)); ok || err != nil {
		t.Fatalf("Verify missing = %v, %v", ok, err)
	}
	if ok, err := e.manager.VerifyBackup(ctx, "../../etc"); ok || err != nil {
		t.Fatalf("Verify invalid id = %v, %v", ok, err)
	}

	if err := e.backend.Put(ctx, MetadataPath(b.ID), []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if ok, err := e.manager.VerifyBackup(ctx, b.ID); ok || err != nil {
		t.Fatalf("Verify corrupt = %v, %v", ok, err)
	}
	list, err := e.manager.ListBackups(ctx)
	if err != nil || len(list) != 0 {
		t.Fatalf("corrupt record should be skipped: %v, %v", list, err)
	}
}

func TestCreateBackupArguments(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	if _, err := e.manager.CreateBackup(ctx, e.data, CreateOptions{Incremental: true}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected NotValid, got %v", err)
	}
	if _, err := e.manager.CreateBackup(ctx, e.data, CreateOptions{Parent: strings.Repeat("a", 32)}); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := e.manager.GetBackup(ctx, "nope"); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected NotValid, got %v", err)
	}
}

func TestIncrementalNeedsParentSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b1, _ := e.manager.CreateBackup(ctx, e.data, CreateOptions{})
	if err := e.snapshots.DeleteSnapshot(ctx, b1.Metadata[MetaSnapshotID]); err != nil {
		t.Fatal(err)
	}
	_, err := e.manager.CreateBackup(ctx, e.data, CreateOptions{Parent: b1.ID})
	if !errors.Is(err, snapshot.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestRestoreTargets(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b, _ := e.manager.CreateBackup(ctx, e.data, CreateOptions{})

	plain := filepath.Join(e.root, "plain")
	os.Mkdir(plain, 0755)
	if err := e.manager.RestoreBackup(ctx, b.ID, plain); !errors.Is(err, btrfs.InvalidSubvolume) {
		t.Fatalf("expected InvalidSubvolume, got %v", err)
	}

	target := filepath.Join(e.root, "target")
	if err := e.volumes.Create(ctx, target); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(target, "stale.txt"), []byte("old"), 0644)
	if err := e.manager.RestoreBackup(ctx, b.ID, target); err != nil {
		t.Fatalf("restore over subvolume: %v", err)
	}
	if got := readNotes(t, target); got != "v1" {
		t.Fatalf("notes = %q", got)
	}
	if _, err := os.Stat(filepath.Join(target, "stale.txt")); !os.IsNotExist(err) {
		t.Fatalf("target was not replaced")
	}

	e.write(t, "changed")
	if err := e.manager.RestoreBackup(ctx, b.ID, ""); err != nil {
		t.Fatalf("restore to source subvolume: %v", err)
	}
	if got := readNotes(t, e.data); got != "v1" {
		t.Fatalf("source notes = %q, want v1", got)
	}
	if !e.volumes.IsSubvolume(ctx, e.data) {
		t.Fatal("source is no longer a subvolume")
	}
	assertNoStaging(t, e.root)
}

func assertNoStaging(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".btrback-restore-") {
			t.Fatalf("staging directory left behind: %s", entry.Name())
		}
	}
}

// failingSnapshots refuses writable snapshots, which is how restore
// materialises its result.
type failingSnapshots struct {
	*btrfstest.Volumes
}

func (f failingSnapshots) Snapshot(ctx context.Context, source, dest string, readOnly bool) (*btrfs.Subvolume, error) {
	if !readOnly {
		return nil, errors.WithType(errors.New("ERROR: no space left on device"), btrfs.CommandFailed)
	}
	return f.Volumes.Snapshot(ctx, source, dest, readOnly)
}

func TestFailedRestoreKeepsExistingTarget(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b, err := e.manager.CreateBackup(ctx, e.data, CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(e.root, "target")
	if err := e.volumes.Create(ctx, target); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(target, "notes.txt"), []byte("keep me"), 0644)

	m := NewManager(e.backend, e.snapshots, failingSnapshots{e.volumes}, e.provider, Config{
		TempDir: e.tempDir,
		Metrics: e.registry,
	})
	if err := m.RestoreBackup(ctx, b.ID, target); !errors.Is(err, btrfs.CommandFailed) {
		t.Fatalf("expected CommandFailed, got %v", err)
	}
	if !e.volumes.IsSubvolume(ctx, target) {
		t.Fatal("existing target subvolume was removed")
	}
	if got := readNotes(t, target); got != "keep me" {
		t.Fatalf("target notes = %q", got)
	}
	assertNoStaging(t, e.root)
	assertTempEmpty(t, e.tempDir)
}

type failingBlobs struct {
	storage.Backend
}

func (f failingBlobs) Put(ctx context.Context, p string, data []byte) error {
	if strings.HasSuffix(p, ".btrfs") {
		return errors.WithType(errors.New("disk full"), storage.ErrStorage)
	}
	return f.Backend.Put(ctx, p, data)
}

func TestFailedUploadIsNeverAdvertised(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m := e.build(t, failingBlobs{e.backend}, e.provider)

	if _, err := m.CreateBackup(ctx, e.data, CreateOptions{}); !errors.Is(err, storage.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	list, err := m.ListBackups(ctx)
	if err != nil || len(list) != 0 {
		t.Fatalf("list = %v, %v", list, err)
	}
	snaps, _ := e.snapshots.ListSnapshots(ctx)
	if len(snaps) != 0 {
		t.Fatalf("snapshot of failed backup kept: %v", snaps)
	}
	assertTempEmpty(t, e.tempDir)
	if got := metrics.GetOrRegisterCounter(statCreateFailed, e.registry).Count(); got != 1 {
		t.Fatalf("failed counter = %d", got)
	}
}

func TestRestoreWithWrongProvider(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b, _ := e.manager.CreateBackup(ctx, e.data, CreateOptions{})

	plain := e.build(t, e.backend, encryption.NoOp{})
	err := plain.RestoreBackup(ctx, b.ID, filepath.Join(e.root, "out"))
	if !errors.Is(err, encryption.ErrEncryption) {
		t.Fatalf("expected ErrEncryption, got %v", err)
	}
}

func TestConcurrentBackupsOfSameSubvolume(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	var wg sync.WaitGroup
	ids := make([]string, 3)
	errs := make([]error, 3)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := e.manager.CreateBackup(ctx, e.data, CreateOptions{})
			errs[i] = err
			if err == nil {
				ids[i] = b.ID
			}
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("backup %d: %v", i, err)
		}
		seen[ids[i]] = true
	}
	if len(seen) != 3 {
		t.Fatalf("ids not unique: %v", ids)
	}
}

func TestMetricsRecorded(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	b, err := e.manager.CreateBackup(ctx, e.data, CreateOptions{Name: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.manager.CreateBackup(ctx, filepath.Join(e.root, "missing"), CreateOptions{}); err == nil {
		t.Fatal("expected backup of a missing subvolume to fail")
	}
	if err := e.manager.RestoreBackup(ctx, b.ID, filepath.Join(e.root, "restored")); err != nil {
		t.Fatal(err)
	}

	stats := Snapshot(e.registry)
	if stats[statCreated] != 1 {
		t.Errorf("%s = %d, want 1", statCreated, stats[statCreated])
	}
	if stats[statCreateFailed] != 1 {
		t.Errorf("%s = %d, want 1", statCreateFailed, stats[statCreateFailed])
	}
	if stats[statRestored] != 1 {
		t.Errorf("%s = %d, want 1", statRestored, stats[statRestored])
	}
	if stats[statBytesUploaded] != int64(b.Size) {
		t.Errorf("%s = %d, want %d", statBytesUploaded, stats[statBytesUploaded], b.Size)
	}
	if stats[statCreateLatency+".count"] != 1 {
		t.Errorf("create latency count = %d, want 1", stats[statCreateLatency+".count"])
	}
}
