package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecaci/internal/command"
	"ecaci/internal/command/commandtest"
	"ecaci/internal/diskspace"
	"ecaci/internal/vcs"
)

type fakeGit struct {
	err   error
	calls []vcs.CheckoutOptions
}

func (g *fakeGit) Checkout(_ context.Context, opts vcs.CheckoutOptions) (string, error) {
	g.calls = append(g.calls, opts)
	if g.err != nil {
		fmt.Fprintln(opts.Output, "fatal: could not read from remote repository")
		return "", g.err
	}
	if opts.Revision != "" {
		return opts.Revision, nil
	}
	return "0123456789abcdef", nil
}

type memHistory struct {
	builds []*Build
}

func (h *memHistory) NextNumber() int { return len(h.builds) + 1 }

func (h *memHistory) Record(_ context.Context, b *Build) error {
	h.builds = append(h.builds, b)
	return nil
}

type memLogs struct {
	logs map[string]string
}

func (m *memLogs) SaveLog(buildID string, index int, step string, output []byte) (string, string, error) {
	if m.logs == nil {
		m.logs = map[string]string{}
	}
	m.logs[step] = string(output)
	return fmt.Sprintf("%s/%02d.log.zst", buildID, index), "hash", nil
}

type recordedStatus struct {
	state, desc, sha string
}

type fakePublisher struct {
	mu       sync.Mutex
	statuses []recordedStatus
}

func (p *fakePublisher) Publish(_ context.Context, _, sha, state, desc, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, recordedStatus{state: state, desc: desc, sha: sha})
	return nil
}

func (p *fakePublisher) states() []string {
	var out []string
	for _, s := range p.statuses {
		out = append(out, s.state)
	}
	return out
}

type mapSecrets map[string]string

func (m mapSecrets) Resolve(ref string) (string, error) {
	v, ok := m[ref]
	if !ok {
		return "", fmt.Errorf("unknown credential %s", ref)
	}
	return v, nil
}

type runnerFixture struct {
	runner  *Runner
	fake    *commandtest.Fake
	git     *fakeGit
	history *memHistory
	logs    *memLogs
	pub     *fakePublisher
	project *Project
}

func newRunnerFixture(t *testing.T, free uint64) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		fake:    &commandtest.Fake{},
		git:     &fakeGit{},
		history: &memHistory{},
		logs:    &memLogs{},
		pub:     &fakePublisher{},
		project: DefaultProject(),
	}
	f.runner = NewRunner(RunnerConfig{
		Project:   f.project,
		Executor:  NewExecutor(f.fake),
		Git:       f.git,
		Logs:      f.logs,
		History:   f.history,
		Publisher: f.pub,
		DiskGuard: diskspace.NewGuardFunc(func(string) (uint64, error) { return free, nil }),
		WorkDir:   t.TempDir(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func TestRunnerSuccessfulBuild(t *testing.T) {
	f := newRunnerFixture(t, 10<<30)

	b, err := f.runner.Run(context.Background(), BuildRequest{
		Ref:      "refs/heads/dev",
		Revision: "abc1234",
		Author:   "Jane Doe <jane.doe@mesoform.com>",
		Messages: []string{"fix login #12"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, b.Status)
	assert.Equal(t, 1, b.Number)
	assert.Equal(t, "dev", b.Branch)
	assert.Equal(t, "abc1234", b.Revision)
	assert.Equal(t, "jane.doe", b.TriggeredBy)
	assert.Equal(t, []IssueLink{{ID: "12", URL: "https://bitbucket.org/mesoform/enterprise-cloud-admin/issues/12"}}, b.Issues)

	lines := f.fake.Lines()
	require.Len(t, lines, 3)
	assert.Equal(t, "docker build --pull -t test_eca:latest -f Dockerfile .", lines[0])
	assert.Equal(t, "docker run -e DOCKER_CONTAINER_ID= -e PYTHONPATH=.:./tests --name test_eca test_eca:latest pytest -v", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "sh "))
	for _, c := range f.fake.Calls {
		assert.Contains(t, c.Env, "PYTHONPATH=.:./tests")
	}

	require.Len(t, b.Steps, 3)
	for _, s := range b.Steps {
		assert.Equal(t, StepSuccess, s.Status, s.Name)
		assert.NotEmpty(t, s.LogPath)
	}
	assert.Contains(t, f.logs.logs[StepBuildImage], "$ docker build --pull")

	assert.Equal(t, []string{"pending", "success"}, f.pub.states())
	assert.Equal(t, "abc1234", f.pub.statuses[0].sha)
	require.Len(t, f.history.builds, 1)

	require.Len(t, f.git.calls, 1)
	assert.Equal(t, "git@github.com:mesoform/enterprise-cloud-admin.git", f.git.calls[0].URL)
	assert.True(t, f.git.calls[0].Submodules)
}

func TestRunnerCleanupRunsAfterTestFailure(t *testing.T) {
	f := newRunnerFixture(t, 10<<30)
	f.fake.Responses = []commandtest.Response{
		{Prefix: "docker run", Output: "1 failed\n", Err: errors.New("exit status 1")},
	}

	b, err := f.runner.Run(context.Background(), BuildRequest{Revision: "abc1234"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailure, b.Status)
	require.Len(t, b.Steps, 3)
	assert.Equal(t, StepSuccess, b.Steps[0].Status)
	assert.Equal(t, StepFailed, b.Steps[1].Status)
	assert.Equal(t, StepSuccess, b.Steps[2].Status, "always-policy step must run after a failure")
	require.Len(t, b.Problems, 1)
	assert.Equal(t, ProblemTest, b.Problems[0].Kind)
	assert.Equal(t, StepUnitTests, b.Problems[0].Step)

	assert.Equal(t, []string{"pending", "failure"}, f.pub.states())
	assert.Contains(t, f.pub.statuses[1].desc, "failed")
}

func TestRunnerImageBuildFailureSkipsTests(t *testing.T) {
	f := newRunnerFixture(t, 10<<30)
	f.fake.Responses = []commandtest.Response{
		{Prefix: "docker build", Err: errors.New("exit status 1")},
	}

	b, err := f.runner.Run(context.Background(), BuildRequest{Revision: "abc1234"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailure, b.Status)
	assert.Equal(t, StepFailed, b.Steps[0].Status)
	assert.Equal(t, StepSkipped, b.Steps[1].Status)
	assert.Equal(t, StepSuccess, b.Steps[2].Status)
	assert.Equal(t, ProblemImageBuild, b.Problems[0].Kind)
	assert.Len(t, f.fake.Lines(), 2)
}

func TestRunnerCleanupFailureFailsBuild(t *testing.T) {
	f := newRunnerFixture(t, 10<<30)
	f.fake.Responses = []commandtest.Response{
		{Prefix: "sh ", Err: errors.New("exit status 1")},
	}

	b, err := f.runner.Run(context.Background(), BuildRequest{Revision: "abc1234"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailure, b.Status)
	assert.Equal(t, ProblemCleanup, b.Problems[0].Kind)
}

func TestRunnerCancelledBuild(t *testing.T) {
	f := newRunnerFixture(t, 10<<30)
	f.fake.Responses = []commandtest.Response{{Prefix: "docker run", Block: true}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.fake.OnRun = func(c command.Cmd) {
		if c.Args[0] == "run" {
			cancel()
		}
	}
	b, err := f.runner.Run(ctx, BuildRequest{Revision: "abc1234"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailure, b.Status)
	assert.Equal(t, StepKilled, b.Steps[1].Status)
	assert.Equal(t, StepSuccess, b.Steps[2].Status, "cleanup still runs after cancellation")
	assert.Len(t, f.fake.Lines(), 3)
	require.Len(t, f.history.builds, 1, "cancelled builds are still recorded")
	assert.Equal(t, []string{"pending", "failure"}, f.pub.states())
}

func TestRunnerExecutionTimeout(t *testing.T) {
	f := newRunnerFixture(t, 10<<30)
	f.fake.Responses = []commandtest.Response{{Prefix: "docker run", Block: true}}
	f.runner.timeoutFor = func(*BuildType) time.Duration { return 50 * time.Millisecond }

	b, err := f.runner.Run(context.Background(), BuildRequest{Revision: "abc1234"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailure, b.Status)
	require.Len(t, b.Problems, 1)
	assert.Equal(t, ProblemTimeout, b.Problems[0].Kind)
	assert.Equal(t, StepUnitTests, b.Problems[0].Step)
	assert.Equal(t, StepKilled, b.Steps[1].Status)
	assert.Equal(t, StepSuccess, b.Steps[2].Status, "cleanup runs after a timeout")
	require.Len(t, f.fake.Lines(), 3)
	assert.True(t, strings.HasPrefix(f.fake.Lines()[2], "sh "))
	assert.Equal(t, []string{"pending", "failure"}, f.pub.states())
}

func TestRunnerTimeoutSkipsDefaultStepsButRunsCleanup(t *testing.T) {
	f := newRunnerFixture(t, 10<<30)
	f.fake.Responses = []commandtest.Response{{Prefix: "docker build", Block: true}}
	f.runner.timeoutFor = func(*BuildType) time.Duration { return 50 * time.Millisecond }

	b, err := f.runner.Run(context.Background(), BuildRequest{Revision: "abc1234"})
	require.NoError(t, err)

	require.Len(t, b.Steps, 3)
	assert.Equal(t, StepKilled, b.Steps[0].Status)
	assert.Equal(t, StepSkipped, b.Steps[1].Status)
	assert.Equal(t, StepSuccess, b.Steps[2].Status)
	require.Len(t, b.Problems, 1)
	assert.Equal(t, ProblemTimeout, b.Problems[0].Kind)
}

func TestRunnerCleanupAfterTimeoutIsBounded(t *testing.T) {
	f := newRunnerFixture(t, 10<<30)
	f.fake.Responses = []commandtest.Response{
		{Prefix: "docker run", Block: true},
		{Prefix: "sh ", Block: true},
	}
	f.runner.timeoutFor = func(*BuildType) time.Duration { return 50 * time.Millisecond }
	f.runner.cleanupTimeout = 50 * time.Millisecond

	b, err := f.runner.Run(context.Background(), BuildRequest{Revision: "abc1234"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailure, b.Status)
	assert.Equal(t, StepFailed, b.Steps[2].Status)
	require.Len(t, b.Problems, 2)
	assert.Equal(t, ProblemTimeout, b.Problems[0].Kind)
	assert.Equal(t, ProblemCleanup, b.Problems[1].Kind)
}

func TestRunnerResolvesSSHKey(t *testing.T) {
	f := newRunnerFixture(t, 10<<30)
	f.runner.cfg.Secrets = mapSecrets{DefaultSSHKeyRef: "PRIVATE KEY"}

	_, err := f.runner.Run(context.Background(), BuildRequest{Revision: "abc1234"})
	require.NoError(t, err)
	require.Len(t, f.git.calls, 1)
	assert.Equal(t, []byte("PRIVATE KEY"), f.git.calls[0].SSHKey)
}

func TestRunnerUnresolvedSSHKeyFailsCheckout(t *testing.T) {
	f := newRunnerFixture(t, 10<<30)
	f.runner.cfg.Secrets = mapSecrets{}

	b, err := f.runner.Run(context.Background(), BuildRequest{Revision: "abc1234"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, b.Status)
	require.Len(t, b.Problems, 1)
	assert.Equal(t, ProblemCheckout, b.Problems[0].Kind)
	assert.Contains(t, b.Problems[0].Message, "ssh key")
	assert.Empty(t, f.git.calls)
}

func TestRunnerWithoutSecretsUsesAgentSSH(t *testing.T) {
	f := newRunnerFixture(t, 10<<30)

	b, err := f.runner.Run(context.Background(), BuildRequest{Revision: "abc1234"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, b.Status)
	require.Len(t, f.git.calls, 1)
	assert.Nil(t, f.git.calls[0].SSHKey)
}

func TestRunnerDiskSpaceWarning(t *testing.T) {
	f := newRunnerFixture(t, 100<<20)

	b, err := f.runner.Run(context.Background(), BuildRequest{Revision: "abc1234"})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, b.Status)
	require.Len(t, b.Warnings(), 1)
	assert.Equal(t, ProblemDiskSpace, b.Warnings()[0].Kind)
	assert.Len(t, f.fake.Lines(), 3)
	assert.Contains(t, f.pub.statuses[1].desc, "warnings")
}

func TestRunnerDiskSpaceFailure(t *testing.T) {
	f := newRunnerFixture(t, 100<<20)
	f.project.BuildTypes[0].DiskSpace().FailBuild = true

	b, err := f.runner.Run(context.Background(), BuildRequest{Revision: "abc1234"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailure, b.Status)
	assert.Equal(t, ProblemDiskSpace, b.Problems[0].Kind)
	assert.Empty(t, f.git.calls)
	assert.Empty(t, f.fake.Lines())
	for _, s := range b.Steps {
		assert.Equal(t, StepSkipped, s.Status)
	}
	// No pending status without a checkout, but the final one is known.
	assert.Equal(t, []string{"failure"}, f.pub.states())
}

func TestRunnerCheckoutFailure(t *testing.T) {
	f := newRunnerFixture(t, 10<<30)
	f.git.err = errors.New("git fetch: exit status 128")

	b, err := f.runner.Run(context.Background(), BuildRequest{Ref: "refs/pull/7/merge"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailure, b.Status)
	assert.Equal(t, "7/merge", b.Branch)
	require.Len(t, b.Problems, 1)
	assert.Equal(t, ProblemCheckout, b.Problems[0].Kind)
	assert.Contains(t, b.Problems[0].Message, "could not read from remote")
	assert.Empty(t, f.fake.Lines())
	assert.Empty(t, f.pub.states(), "no revision is known to publish against")
}

func TestRunnerRejectsUntrackedRef(t *testing.T) {
	f := newRunnerFixture(t, 10<<30)

	_, err := f.runner.Run(context.Background(), BuildRequest{Ref: "refs/heads/feature"})
	assert.True(t, errors.Is(err, ErrBranchNotTracked))

	_, err = f.runner.Run(context.Background(), BuildRequest{BuildTypeID: "Nope"})
	assert.True(t, errors.Is(err, ErrUnknownBuildType))
	assert.Empty(t, f.history.builds)
}

func TestRunnerUndefinedParameterFailsStep(t *testing.T) {
	f := newRunnerFixture(t, 10<<30)
	f.project.BuildTypes[0].Steps[1].DockerCommand.Args = "%env.MISSING%"

	b, err := f.runner.Run(context.Background(), BuildRequest{Revision: "abc1234"})
	require.NoError(t, err)

	assert.Equal(t, StepFailed, b.Steps[1].Status)
	assert.Contains(t, f.logs.logs[StepUnitTests], "undefined parameter")
	assert.Len(t, f.fake.Lines(), 2)
}
