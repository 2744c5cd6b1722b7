package core

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"ecaci/internal/command"
	"ecaci/internal/diskspace"
	"ecaci/internal/issues"
	"ecaci/internal/status"
	"ecaci/internal/vcs"
	"ecaci/internal/workspace"
)

// Recorder persists finished builds.
type Recorder interface {
	Record(ctx context.Context, b *Build) error
}

// History numbers and records builds.
type History interface {
	Recorder
	NextNumber() int
}

// LogSaver stores step output and returns its path and content hash.
type LogSaver interface {
	SaveLog(buildID string, index int, step string, output []byte) (string, string, error)
}

// Checkouter produces a clean checkout of a revision.
type Checkouter interface {
	Checkout(ctx context.Context, opts vcs.CheckoutOptions) (string, error)
}

// SecretResolver resolves credential references.
type SecretResolver interface {
	Resolve(ref string) (string, error)
}

// StatusPublisher reports build state against a commit.
type StatusPublisher interface {
	Publish(ctx context.Context, repoURL, sha, state, description, targetURL string) error
}

// RunnerConfig wires a Runner. Project, Executor, Git, Logs and History are
// required.
type RunnerConfig struct {
	Project  *Project
	Executor *Executor
	Git      Checkouter
	Logs     LogSaver
	History  History
	Stores   []Recorder // additional sinks, e.g. PostgreSQL
	Secrets  SecretResolver
	// Publisher overrides the publisher built from the build type's
	// commitStatusPublisher feature.
	Publisher StatusPublisher
	DiskGuard *diskspace.Guard
	WorkDir   string
	AgentID   string
	// BaseURL is where the agent's HTTP surface is reachable; used for
	// status target links. Optional.
	BaseURL string
	Logger  *slog.Logger
}

// Runner ties together checkout, executor, log storage and history. Builds
// run one at a time.
type Runner struct {
	cfg    RunnerConfig
	logger *slog.Logger
	mu     sync.Mutex

	timeoutFor     func(*BuildType) time.Duration
	cleanupTimeout time.Duration
}

// CleanupTimeout bounds each always step that runs after the build was
// stopped by its timeout or by cancellation.
const CleanupTimeout = 5 * time.Minute

// NewRunner returns a Runner for cfg, filling optional fields with defaults.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DiskGuard == nil {
		cfg.DiskGuard = diskspace.NewGuard()
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "local-agent"
	}
	return &Runner{
		cfg:    cfg,
		logger: logger,
		timeoutFor: func(bt *BuildType) time.Duration {
			return bt.FailureConditions.ExecutionTimeout()
		},
		cleanupTimeout: CleanupTimeout,
	}
}

// Run executes one build. The returned error is only set when the build
// could not be started; step failures are reported on the Build.
func (r *Runner) Run(ctx context.Context, req BuildRequest) (*Build, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bt, root, err := r.resolve(req.BuildTypeID)
	if err != nil {
		return nil, err
	}
	spec, err := vcs.ParseBranchSpec(root.Branch, root.BranchSpec)
	if err != nil {
		return nil, errors.Wrapf(err, "vcs root %s", root.ID)
	}
	ref := req.Ref
	if ref == "" {
		ref = root.Branch
	}
	branch, ok := spec.Match(ref)
	if !ok {
		return nil, errors.Wrapf(ErrBranchNotTracked, "%s", ref)
	}

	b := &Build{
		ID:          uuid.NewString(),
		Number:      r.cfg.History.NextNumber(),
		BuildTypeID: bt.ID,
		Ref:         ref,
		Branch:      branch,
		Revision:    req.Revision,
		Status:      StatusRunning,
		Agent:       r.cfg.AgentID,
		StartedAt:   time.Now(),
	}
	if req.Author != "" {
		b.TriggeredBy = vcs.Username(vcs.ParseAuthor(req.Author), root.UsernameStyle)
	}
	b.Issues = r.issueLinks(req.Messages)

	log := r.logger.With("build", b.Number, "buildType", bt.ID, "ref", ref)
	log.Info("build started", "revision", req.Revision, "triggeredBy", b.TriggeredBy)

	publisher := r.publisherFor(bt, log)

	runCtx := ctx
	timeout := r.timeoutFor(bt)
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r.execute(runCtx, ctx, bt, root, b, publisher, timeout, log)

	b.FinishedAt = time.Now()
	b.Status = StatusSuccess
	if b.Failed() {
		b.Status = StatusFailure
	}
	log.Info("build finished", "status", b.Status, "duration", b.Duration().Round(time.Millisecond))

	// Recording and the final status must happen even when ctx was cancelled.
	finCtx, finCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer finCancel()
	if err := r.cfg.History.Record(finCtx, b); err != nil {
		log.Error("cannot record build", "error", err)
	}
	for _, s := range r.cfg.Stores {
		if err := s.Record(finCtx, b); err != nil {
			log.Warn("cannot record build in store", "error", err)
		}
	}
	state, desc := finalStatus(b)
	r.publish(finCtx, publisher, root, b, state, desc, log)
	return b, nil
}

// execute runs the guard, checkout and steps, appending problems to b.
func (r *Runner) execute(runCtx, parent context.Context, bt *BuildType, root *VcsRoot, b *Build,
	publisher StatusPublisher, timeout time.Duration, log *slog.Logger) {

	skipAll := func(reason string) {
		for i, s := range bt.Steps {
			b.Steps = append(b.Steps, StepResult{Index: i, Name: s.Name, Kind: s.Kind(), Status: StepSkipped, Error: reason})
		}
	}

	dir := filepath.Join(r.cfg.WorkDir, bt.ID)
	if !r.checkDiskSpace(bt, b, log) {
		skipAll("not enough disk space")
		return
	}

	if err := r.checkout(runCtx, bt, root, b, dir, log); err != nil {
		kind, msg := ProblemCheckout, err.Error()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			kind, msg = ProblemTimeout, timeoutMessage(timeout)
		}
		b.Problems = append(b.Problems, Problem{Kind: kind, Message: msg})
		skipAll("checkout failed")
		return
	}
	r.publish(runCtx, publisher, root, b, status.StatePending, fmt.Sprintf("Build #%d started", b.Number), log)

	var snap *workspace.Snapshot
	if bt.Scrubber() != nil {
		s, err := workspace.Take(dir)
		if err != nil {
			log.Warn("workspace snapshot failed", "error", err)
		}
		snap = s
	}

	params := BuildParams(bt, b)
	env := params.Env()
	failed, stopped := false, false

	for i, step := range bt.Steps {
		res := StepResult{Index: i, Name: step.Name, Kind: step.Kind()}
		if failed && !step.RunsAfterFailure() {
			res.Status = StepSkipped
			b.Steps = append(b.Steps, res)
			log.Info("step skipped", "step", step.Name)
			continue
		}

		// Once the build is stopped, always steps still run so that cleanup
		// can remove what the killed step left behind.
		stepCtx, cancel := runCtx, context.CancelFunc(func() {})
		if stopped {
			stepCtx, cancel = context.WithTimeout(context.WithoutCancel(parent), r.cleanupTimeout)
		}
		var out bytes.Buffer
		start := time.Now()
		expanded, err := params.ExpandStep(step)
		if err == nil {
			log.Info("step started", "step", step.Name, "kind", step.Kind(), "afterStop", stopped)
			err = r.cfg.Executor.RunStep(stepCtx, expanded, env, dir, &out)
		} else {
			fmt.Fprintln(&out, err)
		}
		cancel()
		res.DurationMS = time.Since(start).Milliseconds()
		res.ExitCode = command.ExitCode(err)

		if path, hash, lerr := r.cfg.Logs.SaveLog(b.ID, i, step.Name, out.Bytes()); lerr != nil {
			log.Warn("cannot save step log", "step", step.Name, "error", lerr)
		} else {
			res.LogPath, res.LogHash = path, hash
		}

		switch {
		case err == nil:
			res.Status = StepSuccess
			log.Info("step finished", "step", step.Name, "durationMs", res.DurationMS)
		case !stopped && errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
			res.Status, res.Error = StepKilled, ErrTimeout.Error()
			b.Problems = append(b.Problems, Problem{Kind: ProblemTimeout, Step: step.Name, Message: timeoutMessage(timeout)})
			failed, stopped = true, true
			log.Error("build timed out", "step", step.Name, "timeout", timeout)
		case !stopped && parent.Err() != nil:
			res.Status, res.Error = StepKilled, "build cancelled"
			b.Problems = append(b.Problems, Problem{Kind: ProblemStep, Step: step.Name, Message: "build cancelled"})
			failed, stopped = true, true
			log.Warn("build cancelled", "step", step.Name)
		default:
			res.Status, res.Error = StepFailed, err.Error()
			b.Problems = append(b.Problems, Problem{
				Kind:    problemKindFor(step),
				Step:    step.Name,
				Message: fmt.Sprintf("step %q failed: %v", step.Name, err),
			})
			failed = true
			log.Error("step failed", "step", step.Name, "exitCode", res.ExitCode, "error", err)
		}
		b.Steps = append(b.Steps, res)
	}

	if snap != nil {
		rep, err := workspace.Scrub(snap)
		switch {
		case err != nil:
			log.Warn("workspace scrub failed", "error", err)
		case rep.Dirty():
			log.Warn("build changed checkout files", "modified", rep.Modified, "deleted", rep.Deleted)
		default:
			log.Debug("workspace scrubbed", "removed", len(rep.Removed))
		}
	}
}

// checkDiskSpace applies the free disk space feature. It returns false
// when the build must not continue.
func (r *Runner) checkDiskSpace(bt *BuildType, b *Build, log *slog.Logger) bool {
	f := bt.DiskSpace()
	if f == nil {
		return true
	}
	required, err := diskspace.ParseSize(f.RequiredSpace)
	if err != nil {
		log.Warn("bad requiredSpace, skipping disk check", "error", err)
		return true
	}
	res, err := r.cfg.DiskGuard.Check(r.cfg.WorkDir, required)
	if err != nil {
		log.Warn("disk space check failed", "error", err)
		return true
	}
	if !res.Below() {
		return true
	}
	p := Problem{Kind: ProblemDiskSpace, Message: "not enough free disk space: " + res.String(), Warning: !f.FailBuild}
	b.Problems = append(b.Problems, p)
	if p.Warning {
		log.Warn("free disk space below floor", "free", res.Free, "required", res.Required)
		return true
	}
	log.Error("free disk space below floor, failing build", "free", res.Free, "required", res.Required)
	return false
}

func (r *Runner) checkout(ctx context.Context, bt *BuildType, root *VcsRoot, b *Build, dir string, log *slog.Logger) error {
	if err := forceClean(dir, bt, log); err != nil {
		return err
	}
	var key []byte
	switch {
	case root.Auth.KeyRef == "":
	case r.cfg.Secrets == nil:
		log.Warn("no credential store configured, using the agent's ssh setup", "keyRef", root.Auth.KeyRef)
	default:
		v, err := r.cfg.Secrets.Resolve(root.Auth.KeyRef)
		if err != nil {
			return errors.Wrap(err, "ssh key")
		}
		key = []byte(v)
	}
	var out bytes.Buffer
	rev, err := r.cfg.Git.Checkout(ctx, vcs.CheckoutOptions{
		URL:        root.URL,
		Ref:        b.Ref,
		Revision:   b.Revision,
		Dir:        dir,
		Submodules: root.Submodules == SubmodulesCheckout,
		SSHKey:     key,
		Output:     &out,
	})
	if err != nil {
		return errors.Wrapf(err, "checkout %s%s", b.Ref, tail(out.String(), 5))
	}
	b.Revision = rev
	return nil
}

func forceClean(dir string, bt *BuildType, log *slog.Logger) error {
	reason := "clean checkout"
	if s := bt.Scrubber(); s != nil && s.ForceCleanCheckout {
		reason = "forced by workspace scrubber"
	}
	log.Debug("cleaning checkout directory", "dir", dir, "reason", reason)
	return workspace.ForceClean(dir)
}

func (r *Runner) resolve(id string) (*BuildType, *VcsRoot, error) {
	p := r.cfg.Project
	var bt *BuildType
	if id == "" && len(p.BuildTypes) > 0 {
		bt = &p.BuildTypes[0]
	} else {
		var ok bool
		if bt, ok = p.BuildType(id); !ok {
			return nil, nil, errors.Wrapf(ErrUnknownBuildType, "%q", id)
		}
	}
	root, ok := p.VcsRoot(bt.VcsRootID)
	if !ok {
		return nil, nil, fmt.Errorf("build type %s: unknown vcs root %q", bt.ID, bt.VcsRootID)
	}
	return bt, root, nil
}

func (r *Runner) resolveSecret(ref string) (string, error) {
	if r.cfg.Secrets == nil {
		return "", fmt.Errorf("no credential store configured for %s", ref)
	}
	return r.cfg.Secrets.Resolve(ref)
}

func (r *Runner) publisherFor(bt *BuildType, log *slog.Logger) StatusPublisher {
	if r.cfg.Publisher != nil {
		return r.cfg.Publisher
	}
	f := bt.Publisher()
	if f == nil {
		return nil
	}
	token, err := r.resolveSecret(f.TokenRef)
	if err != nil {
		log.Warn("commit status publishing disabled", "error", err)
		return nil
	}
	p, err := status.NewPublisher(status.Config{BaseURL: f.URL, Token: token, Context: f.Context, Logger: r.logger})
	if err != nil {
		log.Warn("commit status publishing disabled", "error", err)
		return nil
	}
	return p
}

func (r *Runner) publish(ctx context.Context, p StatusPublisher, root *VcsRoot, b *Build, state, desc string, log *slog.Logger) {
	if p == nil {
		return
	}
	if b.Revision == "" {
		log.Warn("no revision to publish status for", "state", state)
		return
	}
	target := ""
	if r.cfg.BaseURL != "" {
		target = fmt.Sprintf("%s/builds/%d", strings.TrimRight(r.cfg.BaseURL, "/"), b.Number)
	}
	if err := p.Publish(ctx, root.URL, b.Revision, state, desc, target); err != nil {
		log.Warn("cannot publish commit status", "state", state, "error", err)
	}
}

func (r *Runner) issueLinks(messages []string) []IssueLink {
	var links []IssueLink
	for _, it := range r.cfg.Project.IssueTrackers {
		tr, err := issues.NewTracker(it.Repository, it.Pattern)
		if err != nil {
			r.logger.Warn("issue tracker disabled", "tracker", it.ID, "error", err)
			continue
		}
		for _, id := range tr.Extract(messages...) {
			links = append(links, IssueLink{ID: id, URL: tr.URL(id)})
		}
	}
	return links
}

func finalStatus(b *Build) (string, string) {
	if b.Status == StatusSuccess {
		desc := fmt.Sprintf("Build #%d succeeded", b.Number)
		if w := b.Warnings(); len(w) > 0 {
			desc += " with warnings: " + w[0].Message
		}
		return status.StateSuccess, desc
	}
	for _, p := range b.Problems {
		if !p.Warning {
			return status.StateFailure, fmt.Sprintf("Build #%d failed: %s", b.Number, p.Message)
		}
	}
	return status.StateFailure, fmt.Sprintf("Build #%d failed", b.Number)
}

func timeoutMessage(d time.Duration) string {
	return fmt.Sprintf("%s: build exceeded %s and was stopped", ErrTimeout, d)
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	t := strings.TrimSpace(strings.Join(lines, "\n"))
	if t == "" {
		return ""
	}
	return "\n" + t
}
