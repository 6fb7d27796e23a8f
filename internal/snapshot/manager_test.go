package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/juju/errors"

	"github.com/aelpxy/btrback/internal/btrfs/btrfstest"
)

func setup(t *testing.T) (*btrfstest.Volumes, string, string) {
	t.Helper()
	root := t.TempDir()
	volumes := btrfstest.New()
	data := filepath.Join(root, "data")
	if err := volumes.Create(context.Background(), data); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(data, "notes.txt"), []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}
	return volumes, data, filepath.Join(root, "snapshots")
}

func TestCreateSnapshot(t *testing.T) {
	ctx := context.Background()
	volumes, data, dir := setup(t)
	m := NewManager(volumes, dir, WithMetadata(map[string]string{"host": "test"}))

	s, err := m.CreateSnapshot(ctx, data, "first")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if !strings.HasPrefix(s.ID, "snap_") || s.ParentID != "" || !s.ReadOnly {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
	if s.Description() != "first" || s.Metadata["host"] != "test" {
		t.Fatalf("metadata = %v", s.Metadata)
	}
	if !strings.HasPrefix(filepath.Base(s.Path), "data_") || filepath.Dir(s.Path) != dir {
		t.Fatalf("unexpected path %s", s.Path)
	}
	if got, _ := os.ReadFile(filepath.Join(s.Path, "notes.txt")); string(got) != "v1" {
		t.Fatalf("snapshot content = %q", got)
	}
	if _, err := os.Stat(s.Path + ".snapinfo"); err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
}

func TestSnapshotNamesDoNotCollide(t *testing.T) {
	ctx := context.Background()
	volumes, data, dir := setup(t)
	m := NewManager(volumes, dir)

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		s, err := m.CreateSnapshot(ctx, data, "")
		if err != nil {
			t.Fatalf("CreateSnapshot %d: %v", i, err)
		}
		if seen[s.Path] {
			t.Fatalf("duplicate path %s", s.Path)
		}
		seen[s.Path] = true
	}
}

func TestIncrementalSnapshot(t *testing.T) {
	ctx := context.Background()
	volumes, data, dir := setup(t)
	m := NewManager(volumes, dir)

	if _, err := m.CreateIncrementalSnapshot(ctx, data, "snap_missing", ""); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}

	parent, err := m.CreateSnapshot(ctx, data, "")
	if err != nil {
		t.Fatal(err)
	}
	child, err := m.CreateIncrementalSnapshot(ctx, data, parent.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if !child.IsIncremental() || child.ParentID != parent.ID {
		t.Fatalf("child not linked: %+v", child)
	}

	p, err := m.FindSnapshot(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.ChildIDs) != 1 || p.ChildIDs[0] != child.ID {
		t.Fatalf("parent children = %v", p.ChildIDs)
	}

	lineage, err := m.Lineage(ctx, child.ID)
	if err != nil || len(lineage) != 2 {
		t.Fatalf("lineage = %v, %v", lineage, err)
	}
}

func TestDeleteSnapshot(t *testing.T) {
	ctx := context.Background()
	volumes, data, dir := setup(t)
	m := NewManager(volumes, dir)

	parent, _ := m.CreateSnapshot(ctx, data, "")
	child, _ := m.CreateIncrementalSnapshot(ctx, data, parent.ID, "")

	if err := m.DeleteSnapshot(ctx, parent.ID); !errors.Is(err, ErrInvalidRelationship) {
		t.Fatalf("expected ErrInvalidRelationship, got %v", err)
	}
	if err := m.DeleteSnapshot(ctx, child.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(child.Path); !os.IsNotExist(err) {
		t.Fatalf("child subvolume still on disk")
	}
	if _, err := os.Stat(child.Path + ".snapinfo"); !os.IsNotExist(err) {
		t.Fatalf("child sidecar still on disk")
	}
	if err := m.DeleteSnapshot(ctx, parent.ID); err != nil {
		t.Fatal(err)
	}
	list, _ := m.ListSnapshots(ctx)
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %v", list)
	}
}

func TestListRebuildsFromDisk(t *testing.T) {
	ctx := context.Background()
	volumes, data, dir := setup(t)
	m := NewManager(volumes, dir)

	parent, _ := m.CreateSnapshot(ctx, data, "")
	child, _ := m.CreateIncrementalSnapshot(ctx, data, parent.ID, "")
	grandchild, _ := m.CreateIncrementalSnapshot(ctx, data, child.ID, "")

	fresh := NewManager(volumes, dir)
	list, err := fresh.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(list))
	}

	lineage, err := fresh.Lineage(ctx, grandchild.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(lineage) != 3 || lineage[0].ID != parent.ID || lineage[1].ID != child.ID {
		t.Fatalf("lineage = %v", lineage)
	}

	found, err := fresh.FindByPath(ctx, child.Path)
	if err != nil || found.ID != child.ID {
		t.Fatalf("FindByPath = %v, %v", found, err)
	}
}

func TestRecoversSubvolumeWithoutSidecar(t *testing.T) {
	ctx := context.Background()
	volumes, data, dir := setup(t)
	m := NewManager(volumes, dir)
	s, _ := m.CreateSnapshot(ctx, data, "")
	os.Remove(s.Path + ".snapinfo")

	fresh := NewManager(volumes, dir)
	recovered, err := fresh.FindSnapshot(ctx, filepath.Base(s.Path))
	if err != nil {
		t.Fatalf("FindSnapshot: %v", err)
	}
	if recovered.Metadata["recovered"] != "true" {
		t.Fatalf("expected recovered marker, got %v", recovered.Metadata)
	}
}

func TestMissingParentIsExcludedNotReparented(t *testing.T) {
	ctx := context.Background()
	volumes, data, dir := setup(t)
	m := NewManager(volumes, dir)

	parent, _ := m.CreateSnapshot(ctx, data, "")
	child, _ := m.CreateIncrementalSnapshot(ctx, data, parent.ID, "")
	grandchild, _ := m.CreateIncrementalSnapshot(ctx, data, child.ID, "")

	if err := volumes.Delete(ctx, parent.Path); err != nil {
		t.Fatal(err)
	}
	os.Remove(parent.Path + ".snapinfo")

	fresh := NewManager(volumes, dir)
	list, err := fresh.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("orphaned snapshots must not be indexed, got %v", list)
	}

	if _, err := fresh.FindSnapshot(ctx, child.ID); !errors.Is(err, ErrCorruptTree) {
		t.Fatalf("FindSnapshot(child) = %v, want ErrCorruptTree", err)
	}
	if _, err := fresh.FindByPath(ctx, grandchild.Path); !errors.Is(err, ErrCorruptTree) {
		t.Fatalf("FindByPath(grandchild) = %v, want ErrCorruptTree", err)
	}
	if _, err := fresh.CreateIncrementalSnapshot(ctx, data, child.ID, ""); err == nil {
		t.Fatal("incremental snapshot against a corrupt parent should fail")
	}

	corrupt, err := fresh.Corrupt(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(corrupt) != 2 {
		t.Fatalf("expected 2 corrupt snapshots, got %v", corrupt)
	}
	for _, s := range corrupt {
		if s.ParentID == "" {
			t.Fatalf("lineage of %s was rewritten", s.ID)
		}
	}

	if err := fresh.DeleteSnapshot(ctx, child.ID); !errors.Is(err, ErrInvalidRelationship) {
		t.Fatalf("expected ErrInvalidRelationship, got %v", err)
	}
	if err := fresh.DeleteSnapshot(ctx, grandchild.ID); err != nil {
		t.Fatal(err)
	}
	if err := fresh.DeleteSnapshot(ctx, child.ID); err != nil {
		t.Fatal(err)
	}
	if corrupt, _ := fresh.Corrupt(ctx); len(corrupt) != 0 {
		t.Fatalf("corrupt snapshots left: %v", corrupt)
	}
	if _, err := os.Stat(child.Path); !os.IsNotExist(err) {
		t.Fatal("child subvolume still on disk")
	}
}

func TestLostParentSidecarOrphansChildren(t *testing.T) {
	ctx := context.Background()
	volumes, data, dir := setup(t)
	m := NewManager(volumes, dir)

	parent, _ := m.CreateSnapshot(ctx, data, "")
	child, _ := m.CreateIncrementalSnapshot(ctx, data, parent.ID, "")
	os.Remove(parent.Path + ".snapinfo")

	fresh := NewManager(volumes, dir)
	list, err := fresh.ListSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != filepath.Base(parent.Path) {
		t.Fatalf("expected only the recovered parent, got %v", list)
	}
	if _, err := fresh.FindSnapshot(ctx, child.ID); !errors.Is(err, ErrCorruptTree) {
		t.Fatalf("FindSnapshot(child) = %v, want ErrCorruptTree", err)
	}
}
