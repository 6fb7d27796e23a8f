package btrfs

import (
	"strings"

	"github.com/juju/errors"
)

const (
	CommandFailed    = errors.ConstError("btrfs command failed")
	NotASubvolume    = errors.ConstError("not a subvolume")
	InvalidSubvolume = errors.ConstError("invalid subvolume")
	SnapshotExists   = errors.ConstError("snapshot already exists")
)

func commandError(c Command, stderr string, err error) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = err.Error()
	}
	return errors.WithType(
		errors.Errorf("%s %s: %s", c.Name, strings.Join(c.Args, " "), msg),
		CommandFailed,
	)
}
