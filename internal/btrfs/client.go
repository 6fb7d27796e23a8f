package btrfs

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
)

const creationTimeLayout = "2006-01-02 15:04:05 -0700"

type Client struct {
	runner    Runner
	btrfsPath string
	duPath    string
}

var _ Volumes = (*Client)(nil)

func NewClient(runner Runner) *Client {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Client{
		runner:    runner,
		btrfsPath: "btrfs",
		duPath:    "du",
	}
}

func (c *Client) run(ctx context.Context, cmd Command) (string, error) {
	log.WithFields(log.Fields{"cmd": cmd.Name, "args": cmd.Args}).Debug("running command")
	stdout, stderr, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return stdout, commandError(cmd, stderr, err)
	}
	return stdout + stderr, nil
}

func (c *Client) btrfs(args ...string) Command {
	return Command{Name: c.btrfsPath, Args: args}
}

func (c *Client) Create(ctx context.Context, path string) error {
	if _, err := c.run(ctx, c.btrfs("subvolume", "create", path)); err != nil {
		return errors.Annotatef(err, "failed to create subvolume %s", path)
	}
	return nil
}

func (c *Client) Snapshot(ctx context.Context, source, dest string, readOnly bool) (*Subvolume, error) {
	if _, err := os.Lstat(dest); err == nil {
		return nil, errors.WithType(errors.AlreadyExistsf("snapshot destination %s", dest), SnapshotExists)
	}
	if !c.IsSubvolume(ctx, source) {
		return nil, errors.WithType(errors.NotValidf("source %s", source), NotASubvolume)
	}

	args := []string{"subvolume", "snapshot"}
	if readOnly {
		args = append(args, "-r")
	}
	args = append(args, source, dest)
	if _, err := c.run(ctx, c.btrfs(args...)); err != nil {
		return nil, errors.Annotatef(err, "failed to snapshot %s", source)
	}

	return c.Show(ctx, dest)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return nil
	}
	if _, err := c.run(ctx, c.btrfs("subvolume", "delete", path)); err != nil {
		return errors.Annotatef(err, "failed to delete subvolume %s", path)
	}
	return nil
}

func (c *Client) Move(ctx context.Context, src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return errors.WithType(errors.AlreadyExistsf("move destination %s", dst), SnapshotExists)
	}
	if err := os.Rename(src, dst); err != nil {
		return errors.Annotatef(err, "failed to move subvolume %s to %s", src, dst)
	}
	return nil
}

func (c *Client) Send(ctx context.Context, path, parent string, w io.Writer) error {
	args := []string{"send"}
	if parent != "" {
		args = append(args, "-p", parent)
	}
	args = append(args, path)

	cmd := c.btrfs(args...)
	cmd.Stdout = w
	if _, err := c.run(ctx, cmd); err != nil {
		return errors.Annotatef(err, "failed to send %s", path)
	}
	return nil
}

func (c *Client) Receive(ctx context.Context, r io.Reader, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Annotatef(err, "failed to create receive directory %s", dir)
	}
	before, err := entries(dir)
	if err != nil {
		return "", errors.Trace(err)
	}

	cmd := c.btrfs("receive", dir)
	cmd.Stdin = r
	out, err := c.run(ctx, cmd)
	if err != nil {
		return "", errors.Annotatef(err, "failed to receive into %s", dir)
	}

	if name := receivedName(out); name != "" {
		return filepath.Join(dir, name), nil
	}

	after, err := entries(dir)
	if err != nil {
		return "", errors.Trace(err)
	}
	for name := range after {
		if !before[name] {
			return filepath.Join(dir, name), nil
		}
	}
	return "", errors.WithType(errors.NotFoundf("received subvolume in %s", dir), InvalidSubvolume)
}

// receivedName extracts the subvolume name from "At subvol X" or
// "At snapshot X" progress lines.
func receivedName(out string) string {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		for _, prefix := range []string{"At subvol ", "At snapshot "} {
			if strings.HasPrefix(line, prefix) {
				return filepath.Base(strings.TrimSpace(strings.TrimPrefix(line, prefix)))
			}
		}
	}
	return ""
}

func entries(dir string) (map[string]bool, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read %s", dir)
	}
	names := make(map[string]bool, len(des))
	for _, de := range des {
		names[de.Name()] = true
	}
	return names, nil
}

func (c *Client) Show(ctx context.Context, path string) (*Subvolume, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("subvolume %s", path)
		}
		return nil, errors.Annotatef(err, "failed to stat %s", path)
	}

	out, err := c.run(ctx, c.btrfs("subvolume", "show", path))
	if err != nil {
		return nil, errors.WithType(errors.Annotatef(err, "%s", path), NotASubvolume)
	}

	sv := parseShow(out)
	sv.Path = path
	if sv.Name == "" {
		sv.Name = filepath.Base(path)
	}
	if sv.CreatedAt.IsZero() {
		sv.CreatedAt = info.ModTime().UTC()
	}

	size, err := c.size(ctx, path)
	if err != nil {
		log.WithField("path", path).WithError(err).Warn("could not determine subvolume size")
	}
	sv.Size = size

	return sv, nil
}

func parseShow(out string) *Subvolume {
	sv := &Subvolume{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Name":
			sv.Name = value
		case "UUID":
			sv.UUID = value
		case "Parent UUID":
			if value != "-" {
				sv.ParentUUID = value
			}
		case "Flags":
			sv.ReadOnly = strings.Contains(value, "readonly")
		case "Creation time":
			if t, err := time.Parse(creationTimeLayout, value); err == nil {
				sv.CreatedAt = t.UTC()
			}
		}
	}
	return sv
}

func (c *Client) size(ctx context.Context, path string) (uint64, error) {
	out, err := c.run(ctx, Command{Name: c.duPath, Args: []string{"-bs", path}})
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, errors.Errorf("unexpected du output %q", out)
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, errors.Annotatef(err, "unexpected du output %q", out)
	}
	return n, nil
}

func (c *Client) IsSubvolume(ctx context.Context, path string) bool {
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return false
	}
	_, err := c.run(ctx, c.btrfs("subvolume", "show", path))
	return err == nil
}

// List returns the subvolumes that are direct children of dir.
func (c *Client) List(ctx context.Context, dir string) ([]string, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Annotatef(err, "failed to read %s", dir)
	}
	var paths []string
	for _, de := range des {
		if !de.IsDir() {
			continue
		}
		p := filepath.Join(dir, de.Name())
		if c.IsSubvolume(ctx, p) {
			paths = append(paths, p)
		}
	}
	return paths, nil
}
