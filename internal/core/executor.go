package core

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-shellwords"

	"ecaci/internal/command"
)

// Executor is responsible for turning steps into processes.
type Executor struct {
	runner command.Runner
	docker string
}

// NewExecutor returns an executor running docker and sh through runner.
func NewExecutor(runner command.Runner) *Executor {
	return &Executor{runner: runner, docker: "docker"}
}

// RunStep executes a single expanded step in dir. env holds the env.*
// parameters; out receives the combined output.
func (e *Executor) RunStep(ctx context.Context, step Step, env []string, dir string, out io.Writer) error {
	c, cleanup, err := e.Command(step, env, dir)
	if err != nil {
		return err
	}
	defer cleanup()
	c.Output = out
	fmt.Fprintf(out, "$ %s\n", c.String())
	return e.runner.Run(ctx, c)
}

// Command builds the process invocation for step. The returned cleanup
// removes temporary files and must always be called.
func (e *Executor) Command(step Step, env []string, dir string) (command.Cmd, func(), error) {
	noop := func() {}
	c := command.Cmd{Dir: dir, Env: env}

	switch {
	case step.DockerBuild != nil:
		b := step.DockerBuild
		extra, err := splitArgs(b.Args)
		if err != nil {
			return c, noop, fmt.Errorf("step %q: %w", step.Name, err)
		}
		args := append([]string{"build"}, extra...)
		for _, tag := range b.Tags {
			args = append(args, "-t", tag)
		}
		args = append(args, "-f", b.Path, b.Context)
		c.Name, c.Args = e.docker, args
		return c, noop, nil

	case step.DockerCommand != nil:
		dc := step.DockerCommand
		extra, err := splitArgs(dc.Args)
		if err != nil {
			return c, noop, fmt.Errorf("step %q: %w", step.Name, err)
		}
		args := []string{dc.Subcommand}
		if passesEnv(dc.Subcommand) {
			for _, kv := range env {
				args = append(args, "-e", kv)
			}
		}
		c.Name, c.Args = e.docker, append(args, extra...)
		return c, noop, nil

	case step.Script != nil:
		f, err := os.CreateTemp("", "ecaci-step-*.sh")
		if err != nil {
			return c, noop, fmt.Errorf("step %q: %w", step.Name, err)
		}
		cleanup := func() { os.Remove(f.Name()) }
		if _, err := f.WriteString(step.Script.Content); err != nil {
			f.Close()
			cleanup()
			return c, noop, fmt.Errorf("step %q: write script: %w", step.Name, err)
		}
		if err := f.Close(); err != nil {
			cleanup()
			return c, noop, fmt.Errorf("step %q: write script: %w", step.Name, err)
		}
		c.Name, c.Args = "sh", []string{f.Name()}
		return c, cleanup, nil
	}
	return c, noop, fmt.Errorf("step %q: no runner for kind %s", step.Name, step.Kind())
}

// passesEnv reports whether the docker subcommand starts a container that
// should see the env.* parameters.
func passesEnv(sub string) bool {
	switch sub {
	case "run", "create", "exec":
		return true
	}
	return false
}

func splitArgs(s string) ([]string, error) {
	args, err := shellwords.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse arguments %q: %w", s, err)
	}
	return args, nil
}
