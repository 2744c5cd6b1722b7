// Package vcs checks out Git revisions and interprets VCS root settings:
// branch specs and commit author username styles.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"ecaci/internal/command"
)

// CheckoutOptions describes one clean checkout.
type CheckoutOptions struct {
	URL        string
	Ref        string // refs/heads/dev, refs/pull/7/merge, ...
	Revision   string // commit to check out; empty means the fetched tip
	Dir        string // must exist and be empty
	Submodules bool
	SSHKey     []byte // private key; nil uses the agent's own ssh setup
	Output     io.Writer
}

// Git drives the git CLI.
type Git struct {
	runner command.Runner
	logger *slog.Logger
}

// NewGit returns a checkouter driving the git CLI through runner.
func NewGit(runner command.Runner, logger *slog.Logger) *Git {
	if logger == nil {
		logger = slog.Default()
	}
	return &Git{runner: runner, logger: logger}
}

// Checkout fetches opts.Ref into an empty directory and checks out the
// requested revision. It returns the resolved commit sha.
func (g *Git) Checkout(ctx context.Context, opts CheckoutOptions) (string, error) {
	out := opts.Output
	if out == nil {
		out = io.Discard
	}

	var env []string
	if len(opts.SSHKey) > 0 {
		keyFile, err := writeKey(opts.SSHKey)
		if err != nil {
			return "", err
		}
		defer os.Remove(keyFile)
		env = append(env, "GIT_SSH_COMMAND=ssh -i "+keyFile+" -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new")
	}

	git := func(args ...string) error {
		c := command.Cmd{Name: "git", Args: append([]string{"-C", opts.Dir}, args...), Env: env, Output: out}
		fmt.Fprintf(out, "$ %s\n", c.String())
		return g.runner.Run(ctx, c)
	}

	target := opts.Revision
	if target == "" {
		target = "FETCH_HEAD"
	}
	steps := [][]string{
		{"init", "-q"},
		{"remote", "add", "origin", opts.URL},
		{"fetch", "-q", "--no-tags", "origin", opts.Ref},
		{"checkout", "-q", "-f", "--detach", target},
	}
	if opts.Submodules {
		steps = append(steps, []string{"submodule", "update", "-q", "--init", "--recursive"})
	}
	for _, args := range steps {
		if err := git(args...); err != nil {
			return "", fmt.Errorf("git %s: %w", args[0], err)
		}
	}

	var head bytes.Buffer
	if err := g.runner.Run(ctx, command.Cmd{
		Name:   "git",
		Args:   []string{"-C", opts.Dir, "rev-parse", "HEAD"},
		Output: &head,
	}); err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	rev := strings.TrimSpace(head.String())
	g.logger.Info("checked out", "ref", opts.Ref, "revision", rev, "dir", opts.Dir)
	return rev, nil
}

func writeKey(key []byte) (string, error) {
	f, err := os.CreateTemp("", "ecaci-ssh-*")
	if err != nil {
		return "", fmt.Errorf("ssh key: %w", err)
	}
	name := f.Name()
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("ssh key: %w", err)
	}
	if !bytes.HasSuffix(key, []byte("\n")) {
		key = append(key, '\n')
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("ssh key: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("ssh key: %w", err)
	}
	return name, nil
}
