package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProject = `
name: sample
vcsRoots:
  - id: Repo
    url: git@github.com:acme/app.git
    branch: main
    branchSpec: |
      +:refs/pull/(*/merge)
    auth:
      method: uploadedKey
      keyRef: credentialsJSON:5f0c4a8e-1f0b-4c43-9a3e-2a1c2b3d4e5f
buildTypes:
  - id: Build
    vcsRoot: Repo
    cleanCheckout: true
    params:
      env.APP_ENV: test
    steps:
      - name: Image
        dockerBuild:
          path: Dockerfile
          tags: [app:latest]
          args: --pull
      - name: Tests
        dockerCommand:
          subcommand: run
          args: --rm app:latest make test
      - name: Cleanup
        executionPolicy: always
        script:
          content: docker image prune -f
    triggers:
      - type: vcs
    failureConditions:
      executionTimeoutMin: 15
    features:
      - freeDiskSpace:
          requiredSpace: 2gb
          failBuild: true
`

func TestParseProject(t *testing.T) {
	p, err := ParseProject([]byte(sampleProject))
	require.NoError(t, err)

	root, ok := p.VcsRoot("Repo")
	require.True(t, ok)
	assert.Equal(t, "refs/heads/main", root.Branch)
	assert.Equal(t, UsernameUserID, root.UsernameStyle)
	assert.Equal(t, SubmodulesCheckout, root.Submodules)

	bt, ok := p.BuildType("Build")
	require.True(t, ok)
	assert.Equal(t, "Build", bt.Name)
	assert.Equal(t, ".", bt.Steps[0].DockerBuild.Context)
	assert.Equal(t, PolicyDefault, bt.Steps[1].ExecutionPolicy)
	assert.True(t, bt.Steps[2].RunsAfterFailure())
	assert.Equal(t, "docker-run", bt.Steps[1].Kind())
	assert.True(t, bt.HasVCSTrigger())
	require.NotNil(t, bt.DiskSpace())
	assert.True(t, bt.DiskSpace().FailBuild)
	assert.Nil(t, bt.Publisher())
	assert.Equal(t, 15*60, int(bt.FailureConditions.ExecutionTimeout().Seconds()))
}

func TestParseProjectRejectsUnknownFields(t *testing.T) {
	_, err := ParseProject([]byte("name: x\nstages: []\n"))
	assert.Error(t, err)
}

func TestValidateCollectsIssues(t *testing.T) {
	data := `
vcsRoots:
  - id: Repo
    url: git@github.com:acme/app.git
    branch: main
    usernameStyle: nickname
buildTypes:
  - id: Build
    vcsRoot: Missing
    steps:
      - name: Both
        script:
          content: echo hi
        dockerCommand:
          subcommand: run
      - name: Both
        executionPolicy: sometimes
        script:
          content: " "
    triggers:
      - type: schedule
    failureConditions:
      executionTimeoutMin: -1
    features:
      - freeDiskSpace:
          requiredSpace: lots
`
	_, err := ParseProject([]byte(data))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	want := []string{
		`unknown usernameStyle "nickname"`,
		`unknown vcsRoot "Missing"`,
		`exactly one of dockerBuild, dockerCommand, script must be set (got 2)`,
		`duplicate step name "Both"`,
		`unknown executionPolicy "sometimes"`,
		`script.content is empty`,
		`unknown trigger type "schedule"`,
		`executionTimeoutMin must be positive`,
		`requiredSpace`,
	}
	for _, w := range want {
		assert.Contains(t, err.Error(), w)
	}
}

func TestParseProjectDefaultsExecutionTimeout(t *testing.T) {
	data := `
vcsRoots:
  - id: Repo
    url: git@github.com:acme/app.git
    branch: main
buildTypes:
  - id: Build
    vcsRoot: Repo
    steps:
      - name: Tests
        script:
          content: make test
`
	p, err := ParseProject([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, p.BuildTypes[0].FailureConditions.ExecutionTimeout())
}

func TestValidateRejectsUnsafeBuildTypeIDs(t *testing.T) {
	for _, id := range []string{"../..", "..", ".", "a/b", ".hidden", "x y"} {
		p := DefaultProject()
		p.BuildTypes[0].ID = id
		err := p.Validate()
		require.Error(t, err, id)
		assert.Contains(t, err.Error(), "may only contain", id)
	}
	p := DefaultProject()
	p.BuildTypes[0].ID = "Build_2.x-y"
	assert.NoError(t, p.Validate())
}

func TestValidateRejectsNonPositiveTimeout(t *testing.T) {
	p := DefaultProject()
	p.BuildTypes[0].FailureConditions.ExecutionTimeoutMin = 0
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executionTimeoutMin must be positive")
}

func TestDefaultProjectIsValid(t *testing.T) {
	p := DefaultProject()
	require.NoError(t, p.Validate())

	bt := p.BuildTypes[0]
	require.Len(t, bt.Steps, 3)
	assert.Equal(t, []string{StepBuildImage, StepUnitTests, StepTidyUp},
		[]string{bt.Steps[0].Name, bt.Steps[1].Name, bt.Steps[2].Name})
	assert.Equal(t, PolicyAlways, bt.Steps[2].ExecutionPolicy)
	assert.Equal(t, 30, bt.FailureConditions.ExecutionTimeoutMin)
	require.NotNil(t, bt.Scrubber())
	assert.True(t, bt.Scrubber().ForceCleanCheckout)
	require.NotNil(t, bt.Publisher())
	assert.Equal(t, PublisherGitHub, bt.Publisher().Publisher)
}

func TestMarshalProjectRoundTrip(t *testing.T) {
	data, err := MarshalProject(DefaultProject())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "project.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	p, err := LoadProject(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultProject(), p)
}

func TestLoadProjectMissingFile(t *testing.T) {
	_, err := LoadProject(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
