package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Cmd describes one external process invocation (docker, git, sh).
type Cmd struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string  // KEY=VALUE pairs appended to the agent environment
	Output io.Writer // receives stdout and stderr interleaved
}

// String renders the command line for logs.
func (c Cmd) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes commands. The exec implementation is used in production,
// tests substitute commandtest.Fake.
type Runner interface {
	Run(ctx context.Context, c Cmd) error
}

// Exec runs commands as child processes in their own process group.
// When ctx ends the whole group is killed with SIGKILL.
type Exec struct {
	// WaitDelay bounds how long Run waits for output pipes after the
	// process group was killed.
	WaitDelay time.Duration
}

// NewExec returns a Runner backed by os/exec.
func NewExec() *Exec {
	return &Exec{WaitDelay: 5 * time.Second}
}

func (e *Exec) Run(ctx context.Context, c Cmd) error {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	out := c.Output
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// negative pid addresses the process group
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = e.WaitDelay

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", c.Name, ctxErr)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", c.Name, err)
	}
	return nil
}

// ExitCode extracts the process exit status from an error returned by Run.
// It returns -1 when the error did not come from a finished process.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
