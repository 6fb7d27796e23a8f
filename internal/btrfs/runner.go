package btrfs

import (
	"bytes"
	"context"
	"io"
	"os/exec"
)

// Command describes one external tool invocation. When Stdout is set the
// output is streamed there instead of being captured.
type Command struct {
	Name   string
	Args   []string
	Stdin  io.Reader
	Stdout io.Writer
}

// Runner executes commands. Captured stdout, stderr and the exit error are
// the whole contract with the btrfs tooling.
type Runner interface {
	Run(ctx context.Context, c Command) (stdout string, stderr string, err error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) (string, string, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if c.Stdin != nil {
		cmd.Stdin = c.Stdin
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &stdoutBuf
	}
	cmd.Stderr = &stderrBuf
	err := cmd.Run()
	return stdoutBuf.String(), stderrBuf.String(), err
}
