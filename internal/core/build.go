package core

import "time"

// Build states. A finished build is binary: success or failure.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Step result states.
const (
	StepSuccess = "success"
	StepFailed  = "failed"
	StepSkipped = "skipped"
	StepKilled  = "killed"
)

// ProblemKind classifies why a build failed (or warned).
type ProblemKind string

const (
	ProblemCheckout   ProblemKind = "checkout"
	ProblemImageBuild ProblemKind = "image_build"
	ProblemTest       ProblemKind = "test"
	ProblemCleanup    ProblemKind = "cleanup"
	ProblemStep       ProblemKind = "step"
	ProblemTimeout    ProblemKind = "timeout"
	ProblemDiskSpace  ProblemKind = "disk_space"
)

// Problem is one build problem. Warnings do not fail the build.
type Problem struct {
	Kind    ProblemKind `json:"kind"`
	Step    string      `json:"step,omitempty"`
	Message string      `json:"message"`
	Warning bool        `json:"warning,omitempty"`
}

// BuildRequest asks the runner for one build of a revision.
type BuildRequest struct {
	BuildTypeID string
	Ref         string // full ref, e.g. refs/heads/dev or refs/pull/7/merge
	Revision    string // commit sha; empty means the tip of Ref
	Author      string
	Messages    []string
}

// Build is the record of one execution of a build type.
type Build struct {
	ID          string       `json:"id"`
	Number      int          `json:"number"`
	BuildTypeID string       `json:"buildTypeId"`
	Ref         string       `json:"ref"`
	Branch      string       `json:"branch"`
	Revision    string       `json:"revision"`
	TriggeredBy string       `json:"triggeredBy,omitempty"`
	Status      string       `json:"status"`
	Problems    []Problem    `json:"problems,omitempty"`
	Steps       []StepResult `json:"steps"`
	Issues      []IssueLink  `json:"issues,omitempty"`
	Agent       string       `json:"agent"`
	StartedAt   time.Time    `json:"startedAt"`
	FinishedAt  time.Time    `json:"finishedAt"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exitCode"`
	DurationMS int64  `json:"durationMs"`
	LogPath    string `json:"logPath,omitempty"`
	LogHash    string `json:"logHash,omitempty"`
	Error      string `json:"error,omitempty"`
}

// IssueLink is an issue referenced from a commit message.
type IssueLink struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Failed reports whether any non-warning problem was recorded.
func (b *Build) Failed() bool {
	for _, p := range b.Problems {
		if !p.Warning {
			return true
		}
	}
	return false
}

// Warnings returns the warning problems.
func (b *Build) Warnings() []Problem {
	var out []Problem
	for _, p := range b.Problems {
		if p.Warning {
			out = append(out, p)
		}
	}
	return out
}

// Duration is the wall-clock time of a finished build.
func (b *Build) Duration() time.Duration {
	if b.FinishedAt.IsZero() {
		return 0
	}
	return b.FinishedAt.Sub(b.StartedAt)
}

// problemKindFor classifies a failure of the named step.
func problemKindFor(s Step) ProblemKind {
	switch {
	case s.DockerBuild != nil:
		return ProblemImageBuild
	case s.DockerCommand != nil && s.DockerCommand.Subcommand == "run":
		return ProblemTest
	case s.Name == StepTidyUp || s.RunsAfterFailure():
		return ProblemCleanup
	default:
		return ProblemStep
	}
}
