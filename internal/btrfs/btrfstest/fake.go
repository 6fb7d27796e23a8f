// Package btrfstest provides an in-process stand-in for the btrfs tool that
// models subvolumes as plain directories.
package btrfstest

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/aelpxy/btrback/internal/btrfs"
)

type subvol struct {
	uuid         string
	parentUUID   string
	receivedUUID string
	readOnly     bool
	createdAt    time.Time
}

// Volumes is a directory-backed btrfs.Volumes. Snapshots are full copies,
// send streams are a JSON header line followed by a tar of changed files.
type Volumes struct {
	mu      sync.Mutex
	subvols map[string]*subvol

	// Now is used for creation times; defaults to time.Now.
	Now func() time.Time
}

var _ btrfs.Volumes = (*Volumes)(nil)

func New() *Volumes {
	return &Volumes{
		subvols: make(map[string]*subvol),
		Now:     time.Now,
	}
}

type streamHeader struct {
	Name       string   `json:"name"`
	UUID       string   `json:"uuid"`
	ParentUUID string   `json:"parent_uuid,omitempty"`
	Deleted    []string `json:"deleted,omitempty"`
}

func failed(format string, args ...interface{}) error {
	return errors.WithType(errors.Errorf(format, args...), btrfs.CommandFailed)
}

func (v *Volumes) Create(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := os.Lstat(path); err == nil {
		return failed("ERROR: target path already exists: %s", path)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return errors.Trace(err)
	}
	v.subvols[path] = &subvol{uuid: uuid.NewString(), createdAt: v.Now().UTC()}
	return nil
}

func (v *Volumes) Snapshot(ctx context.Context, source, dest string, readOnly bool) (*btrfs.Subvolume, error) {
	source, dest = filepath.Clean(source), filepath.Clean(dest)
	v.mu.Lock()
	if _, err := os.Lstat(dest); err == nil {
		v.mu.Unlock()
		return nil, errors.WithType(errors.AlreadyExistsf("snapshot destination %s", dest), btrfs.SnapshotExists)
	}
	src, ok := v.subvols[source]
	if !ok {
		v.mu.Unlock()
		return nil, errors.WithType(errors.NotValidf("source %s", source), btrfs.NotASubvolume)
	}
	if err := copyTree(source, dest); err != nil {
		v.mu.Unlock()
		return nil, errors.Trace(err)
	}
	v.subvols[dest] = &subvol{
		uuid:       uuid.NewString(),
		parentUUID: src.uuid,
		readOnly:   readOnly,
		createdAt:  v.Now().UTC(),
	}
	v.mu.Unlock()

	return v.Show(ctx, dest)
}

func (v *Volumes) Delete(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := os.Lstat(path); os.IsNotExist(err) {
		delete(v.subvols, path)
		return nil
	}
	if _, ok := v.subvols[path]; !ok {
		return failed("ERROR: not a subvolume: %s", path)
	}
	if err := os.RemoveAll(path); err != nil {
		return errors.Trace(err)
	}
	delete(v.subvols, path)
	return nil
}

func (v *Volumes) Move(ctx context.Context, src, dst string) error {
	src, dst = filepath.Clean(src), filepath.Clean(dst)
	v.mu.Lock()
	defer v.mu.Unlock()

	sv, ok := v.subvols[src]
	if !ok {
		return errors.WithType(errors.NotValidf("source %s", src), btrfs.NotASubvolume)
	}
	if _, err := os.Lstat(dst); err == nil {
		return errors.WithType(errors.AlreadyExistsf("move destination %s", dst), btrfs.SnapshotExists)
	}
	if err := os.Rename(src, dst); err != nil {
		return errors.Trace(err)
	}
	delete(v.subvols, src)
	v.subvols[dst] = sv
	return nil
}

func (v *Volumes) Send(ctx context.Context, path, parent string, w io.Writer) error {
	path = filepath.Clean(path)
	v.mu.Lock()
	sv, ok := v.subvols[path]
	var parentSv *subvol
	if ok && parent != "" {
		parentSv = v.subvols[filepath.Clean(parent)]
	}
	v.mu.Unlock()

	if !ok {
		return failed("ERROR: not a subvolume: %s", path)
	}
	if !sv.readOnly {
		return failed("ERROR: subvolume %s is not read-only", path)
	}

	files, err := snapshotFiles(path)
	if err != nil {
		return errors.Trace(err)
	}

	header := streamHeader{Name: filepath.Base(path), UUID: sv.uuid}
	send := files
	if parent != "" {
		if parentSv == nil {
			return failed("ERROR: parent %s is not a subvolume", parent)
		}
		header.ParentUUID = parentSv.uuid
		parentFiles, err := snapshotFiles(filepath.Clean(parent))
		if err != nil {
			return errors.Trace(err)
		}
		send = make(map[string][]byte)
		for rel, data := range files {
			if old, ok := parentFiles[rel]; !ok || !bytes.Equal(old, data) {
				send[rel] = data
			}
		}
		for rel := range parentFiles {
			if _, ok := files[rel]; !ok {
				header.Deleted = append(header.Deleted, rel)
			}
		}
		sort.Strings(header.Deleted)
	}

	line, err := json.Marshal(header)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		return errors.Trace(err)
	}

	tw := tar.NewWriter(w)
	names := make([]string, 0, len(send))
	for rel := range send {
		names = append(names, rel)
	}
	sort.Strings(names)
	for _, rel := range names {
		data := send[rel]
		if err := tw.WriteHeader(&tar.Header{Name: rel, Mode: 0644, Size: int64(len(data))}); err != nil {
			return errors.Trace(err)
		}
		if _, err := tw.Write(data); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(tw.Close())
}

func (v *Volumes) Receive(ctx context.Context, r io.Reader, dir string) (string, error) {
	dir = filepath.Clean(dir)
	br := bufio.NewReader(r)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return "", failed("ERROR: failed to read stream header: %v", err)
	}
	var header streamHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return "", failed("ERROR: invalid send stream: %v", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Trace(err)
	}
	dest := filepath.Join(dir, header.Name)

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := os.Lstat(dest); err == nil {
		return "", failed("ERROR: destination %s already exists", dest)
	}

	if header.ParentUUID != "" {
		parentPath := ""
		for p, sv := range v.subvols {
			if sv.uuid == header.ParentUUID || sv.receivedUUID == header.ParentUUID {
				parentPath = p
				break
			}
		}
		if parentPath == "" {
			return "", failed("ERROR: cannot find parent subvolume %s", header.ParentUUID)
		}
		if err := copyTree(parentPath, dest); err != nil {
			return "", errors.Trace(err)
		}
	} else if err := os.MkdirAll(dest, 0755); err != nil {
		return "", errors.Trace(err)
	}

	tr := tar.NewReader(br)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			os.RemoveAll(dest)
			return "", failed("ERROR: corrupt send stream: %v", err)
		}
		target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return "", errors.Trace(err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			os.RemoveAll(dest)
			return "", failed("ERROR: corrupt send stream: %v", err)
		}
		if err := os.WriteFile(target, data, 0644); err != nil {
			return "", errors.Trace(err)
		}
	}
	for _, rel := range header.Deleted {
		os.Remove(filepath.Join(dest, filepath.FromSlash(rel)))
	}

	v.subvols[dest] = &subvol{
		uuid:         uuid.NewString(),
		receivedUUID: header.UUID,
		readOnly:     true,
		createdAt:    v.Now().UTC(),
	}
	return dest, nil
}

func (v *Volumes) Show(ctx context.Context, path string) (*btrfs.Subvolume, error) {
	path = filepath.Clean(path)
	v.mu.Lock()
	sv, ok := v.subvols[path]
	v.mu.Unlock()
	if !ok {
		return nil, errors.WithType(errors.NotValidf("%s", path), btrfs.NotASubvolume)
	}

	files, err := snapshotFiles(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var size uint64
	for _, data := range files {
		size += uint64(len(data))
	}
	return &btrfs.Subvolume{
		Path:       path,
		Name:       filepath.Base(path),
		UUID:       sv.uuid,
		ParentUUID: sv.parentUUID,
		ReadOnly:   sv.readOnly,
		CreatedAt:  sv.createdAt,
		Size:       size,
	}, nil
}

func (v *Volumes) IsSubvolume(ctx context.Context, path string) bool {
	path = filepath.Clean(path)
	v.mu.Lock()
	_, ok := v.subvols[path]
	v.mu.Unlock()
	if !ok {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func (v *Volumes) List(ctx context.Context, dir string) ([]string, error) {
	dir = filepath.Clean(dir)
	v.mu.Lock()
	defer v.mu.Unlock()
	var paths []string
	for p := range v.subvols {
		if filepath.Dir(p) == dir {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Len reports how many subvolumes are registered.
func (v *Volumes) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subvols)
}

func snapshotFiles(root string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	return files, err
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type().IsRegular():
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			return os.WriteFile(target, data, 0644)
		}
		return nil
	})
}
