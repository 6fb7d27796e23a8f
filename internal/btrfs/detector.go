package btrfs

import (
	"context"
	"os/exec"
	"strings"

	"github.com/juju/errors"
)

type ToolInfo struct {
	Path    string
	Version string
}

// DetectTools checks that the btrfs and du binaries are installed and
// reports the btrfs-progs version.
func DetectTools(ctx context.Context) (*ToolInfo, error) {
	path, err := exec.LookPath("btrfs")
	if err != nil {
		return nil, errors.NotFoundf("btrfs command")
	}
	if _, err := exec.LookPath("du"); err != nil {
		return nil, errors.NotFoundf("du command")
	}

	output, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return nil, errors.Annotate(err, "failed to get btrfs version")
	}

	return &ToolInfo{
		Path:    path,
		Version: parseVersion(string(output)),
	}, nil
}

// "btrfs-progs v6.6.3" -> "v6.6.3"
func parseVersion(out string) string {
	out = strings.TrimSpace(out)
	if i := strings.LastIndexByte(out, ' '); i >= 0 {
		return out[i+1:]
	}
	return out
}
