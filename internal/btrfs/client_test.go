package btrfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	respond func(c Command) (string, string, error)
}

func (f *fakeRunner) Run(ctx context.Context, c Command) (string, string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: c.Name, args: append([]string(nil), c.Args...)})
	f.mu.Unlock()
	if f.respond == nil {
		return "", "", nil
	}
	return f.respond(c)
}

func (f *fakeRunner) commandLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var lines []string
	for _, c := range f.calls {
		lines = append(lines, c.name+" "+strings.Join(c.args, " "))
	}
	return lines
}

const showOutput = `snapshots/data_1
	Name: 			data_1
	UUID: 			4c6b3a4e-1d2f-4e0a-9c55-0d3b8f0c2a11
	Parent UUID: 		-
	Creation time: 		2024-03-01 10:20:30 +0100
	Subvolume ID: 		258
	Flags: 			readonly
`

func TestSnapshotBuildsArgsAndParsesShow(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "data")
	dest := filepath.Join(dir, "snap")
	if err := os.Mkdir(source, 0755); err != nil {
		t.Fatal(err)
	}

	r := &fakeRunner{respond: func(c Command) (string, string, error) {
		if c.Name == "du" {
			return "4096\t" + dest + "\n", "", nil
		}
		if len(c.Args) >= 2 && c.Args[1] == "snapshot" {
			if err := os.Mkdir(dest, 0755); err != nil {
				return "", "", err
			}
		}
		if len(c.Args) >= 2 && c.Args[1] == "show" {
			return showOutput, "", nil
		}
		return "", "", nil
	}}
	client := NewClient(r)

	sv, err := client.Snapshot(context.Background(), source, dest, true)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !sv.ReadOnly || sv.Size != 4096 || sv.Name != "data_1" {
		t.Fatalf("unexpected subvolume: %+v", sv)
	}
	want := time.Date(2024, 3, 1, 9, 20, 30, 0, time.UTC)
	if !sv.CreatedAt.Equal(want) {
		t.Fatalf("CreatedAt = %v, want %v", sv.CreatedAt, want)
	}

	found := false
	for _, line := range r.commandLines() {
		if line == fmt.Sprintf("btrfs subvolume snapshot -r %s %s", source, dest) {
			found = true
		}
	}
	if !found {
		t.Fatalf("snapshot command not issued: %v", r.commandLines())
	}
}

func TestSnapshotExistingDest(t *testing.T) {
	dir := t.TempDir()
	client := NewClient(&fakeRunner{})
	_, err := client.Snapshot(context.Background(), dir, dir, true)
	if !errors.Is(err, SnapshotExists) {
		t.Fatalf("expected SnapshotExists, got %v", err)
	}
}

func TestSnapshotNotASubvolume(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRunner{respond: func(c Command) (string, string, error) {
		return "", "ERROR: not a subvolume", fmt.Errorf("exit status 1")
	}}
	_, err := NewClient(r).Snapshot(context.Background(), dir, filepath.Join(dir, "x"), true)
	if !errors.Is(err, NotASubvolume) {
		t.Fatalf("expected NotASubvolume, got %v", err)
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	r := &fakeRunner{}
	if err := NewClient(r).Delete(context.Background(), filepath.Join(t.TempDir(), "gone")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(r.commandLines()) != 0 {
		t.Fatalf("no command expected, got %v", r.commandLines())
	}
}

func TestDeleteFailureCarriesStderr(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRunner{respond: func(c Command) (string, string, error) {
		return "", "ERROR: cannot delete: busy", fmt.Errorf("exit status 1")
	}}
	err := NewClient(r).Delete(context.Background(), dir)
	if !errors.Is(err, CommandFailed) {
		t.Fatalf("expected CommandFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "busy") {
		t.Fatalf("stderr missing from %q", err.Error())
	}
}

func TestSendStreamsWithParent(t *testing.T) {
	r := &fakeRunner{respond: func(c Command) (string, string, error) {
		io.WriteString(c.Stdout, "stream")
		return "", "", nil
	}}
	var buf bytes.Buffer
	if err := NewClient(r).Send(context.Background(), "/snaps/b", "/snaps/a", &buf); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if buf.String() != "stream" {
		t.Fatalf("stream = %q", buf.String())
	}
	if got := r.commandLines()[0]; got != "btrfs send -p /snaps/a /snaps/b" {
		t.Fatalf("command = %q", got)
	}
}

func TestReceiveParsesProgressLine(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRunner{respond: func(c Command) (string, string, error) {
		return "", "At subvol data_2024\n", nil
	}}
	got, err := NewClient(r).Receive(context.Background(), strings.NewReader("x"), dir)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got != filepath.Join(dir, "data_2024") {
		t.Fatalf("received path = %s", got)
	}
}

func TestReceiveFallsBackToDirectoryDiff(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "old"), 0755); err != nil {
		t.Fatal(err)
	}
	r := &fakeRunner{respond: func(c Command) (string, string, error) {
		return "", "", os.Mkdir(filepath.Join(dir, "new"), 0755)
	}}
	got, err := NewClient(r).Receive(context.Background(), strings.NewReader("x"), dir)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got != filepath.Join(dir, "new") {
		t.Fatalf("received path = %s", got)
	}
}

func TestParseVersion(t *testing.T) {
	if v := parseVersion("btrfs-progs v6.6.3\n"); v != "v6.6.3" {
		t.Fatalf("version = %q", v)
	}
}

func TestMoveRefusesExistingDest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src, dst := filepath.Join(dir, "src"), filepath.Join(dir, "dst")
	os.Mkdir(src, 0755)
	os.Mkdir(dst, 0755)

	c := NewClient(&fakeRunner{})
	if err := c.Move(ctx, src, dst); !errors.Is(err, SnapshotExists) {
		t.Fatalf("expected SnapshotExists, got %v", err)
	}
	os.Remove(dst)
	if err := c.Move(ctx, src, dst); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("moved dir missing: %v", err)
	}
}
