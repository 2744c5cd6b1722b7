package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"ecaci/internal/vcs"
)

// ChangeEvent is one detected change of a VCS root.
type ChangeEvent struct {
	Ref      string
	Revision string
	// Head is the commit that caused the change when Revision is left
	// empty, e.g. the head of a pull request whose merge ref is built.
	Head     string
	Author   string
	Messages []string
}

// dedupRevision identifies the change for duplicate detection.
func (ev ChangeEvent) dedupRevision() string {
	if ev.Revision != "" {
		return ev.Revision
	}
	return ev.Head
}

// BuildRunner executes builds. *Runner implements it.
type BuildRunner interface {
	Run(ctx context.Context, req BuildRequest) (*Build, error)
}

// DefaultQueueSize bounds the number of pending builds.
const DefaultQueueSize = 64

// seenLimit bounds the memory used for duplicate detection.
const seenLimit = 1024

// Scheduler decides which changes become builds and runs them in arrival
// order, one at a time.
type Scheduler struct {
	project *Project
	runner  BuildRunner
	logger  *slog.Logger
	queue   chan BuildRequest

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// NewScheduler returns a scheduler with room for queueSize pending builds.
func NewScheduler(project *Project, runner BuildRunner, queueSize int, logger *slog.Logger) *Scheduler {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		project: project,
		runner:  runner,
		logger:  logger,
		queue:   make(chan BuildRequest, queueSize),
		seen:    make(map[string]struct{}),
	}
}

// Enqueue turns a change into a build of every build type whose VCS trigger
// selects it. It returns the queued requests; the error explains why
// nothing was queued.
func (s *Scheduler) Enqueue(ev ChangeEvent) ([]BuildRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		queued []BuildRequest
		reason error = ErrNoVCSTrigger
	)
	for i := range s.project.BuildTypes {
		bt := &s.project.BuildTypes[i]
		if !bt.HasVCSTrigger() {
			continue
		}
		ok, err := s.selects(bt, ev.Ref)
		if err != nil {
			return queued, err
		}
		if !ok {
			reason = errors.Wrapf(ErrBranchNotTracked, "%s", ev.Ref)
			continue
		}
		rev := ev.dedupRevision()
		key := bt.ID + "\x00" + ev.Ref + "\x00" + rev
		if _, dup := s.seen[key]; dup && rev != "" {
			reason = errors.Wrapf(ErrDuplicateChange, "%s@%s", ev.Ref, short(rev))
			continue
		}
		req := BuildRequest{
			BuildTypeID: bt.ID,
			Ref:         ev.Ref,
			Revision:    ev.Revision,
			Author:      ev.Author,
			Messages:    ev.Messages,
		}
		select {
		case s.queue <- req:
		default:
			return queued, ErrQueueFull
		}
		s.remember(key)
		queued = append(queued, req)
		s.logger.Info("build queued", "buildType", bt.ID, "ref", ev.Ref, "revision", ev.Revision)
	}
	if len(queued) == 0 {
		return nil, reason
	}
	return queued, nil
}

// selects reports whether the build type's VCS root and triggers pick ref.
func (s *Scheduler) selects(bt *BuildType, ref string) (bool, error) {
	root, ok := s.project.VcsRoot(bt.VcsRootID)
	if !ok {
		return false, fmt.Errorf("build type %s: unknown vcs root %q", bt.ID, bt.VcsRootID)
	}
	spec, err := vcs.ParseBranchSpec(root.Branch, root.BranchSpec)
	if err != nil {
		return false, err
	}
	branch, ok := spec.Match(ref)
	if !ok {
		return false, nil
	}
	for _, t := range bt.Triggers {
		if t.Type != TriggerVCS {
			continue
		}
		match, err := vcs.MatchFilter(t.BranchFilter, branch, spec.IsDefault(ref))
		if err != nil {
			return false, err
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) remember(key string) {
	s.seen[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > seenLimit {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
}

// Pending returns the number of queued builds.
func (s *Scheduler) Pending() int { return len(s.queue) }

// Run executes queued builds until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.queue:
			b, err := s.runner.Run(ctx, req)
			switch {
			case err != nil:
				s.logger.Error("build not started", "buildType", req.BuildTypeID, "ref", req.Ref, "error", err)
			default:
				s.logger.Info("build done", "build", b.Number, "status", b.Status)
			}
		}
	}
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
