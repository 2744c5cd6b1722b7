package core

import "time"

// Project is the root of a pipeline definition: VCS roots, build types and
// project-wide integrations.
type Project struct {
	Name          string         `yaml:"name"`
	VcsRoots      []VcsRoot      `yaml:"vcsRoots"`
	BuildTypes    []BuildType    `yaml:"buildTypes"`
	IssueTrackers []IssueTracker `yaml:"issueTrackers,omitempty"`
}

// Username styles for mapping commit authors to users.
const (
	UsernameUserID = "userid"
	UsernameEmail  = "email"
	UsernameName   = "name"
	UsernameFull   = "full"
)

// Submodule policies.
const (
	SubmodulesCheckout = "checkout"
	SubmodulesIgnore   = "ignore"
)

// AuthUploadedKey authenticates over SSH with a key from the secret store.
const AuthUploadedKey = "uploadedKey"

// VcsRoot is a reusable Git repository location and checkout policy.
type VcsRoot struct {
	ID            string  `yaml:"id"`
	URL           string  `yaml:"url"`
	Branch        string  `yaml:"branch"`               // default branch, e.g. refs/heads/dev
	BranchSpec    string  `yaml:"branchSpec,omitempty"` // newline separated +:/-: rules
	UsernameStyle string  `yaml:"usernameStyle,omitempty"`
	Submodules    string  `yaml:"submodules,omitempty"`
	Auth          VcsAuth `yaml:"auth"`
}

// VcsAuth selects the ssh key for checkouts. Without a credential store the
// agent's own ssh setup is used.
type VcsAuth struct {
	Method string `yaml:"method"`
	KeyRef string `yaml:"keyRef,omitempty"` // credentialsJSON:<uuid>
}

// BuildType is one named job: parameters, ordered steps, triggers, failure
// conditions and features.
type BuildType struct {
	ID                string            `yaml:"id"`
	Name              string            `yaml:"name"`
	VcsRootID         string            `yaml:"vcsRoot"`
	CleanCheckout     bool              `yaml:"cleanCheckout"`
	Params            map[string]string `yaml:"params,omitempty"`
	Steps             []Step            `yaml:"steps"`
	Triggers          []Trigger         `yaml:"triggers,omitempty"`
	FailureConditions FailureConditions `yaml:"failureConditions"`
	Features          []Feature         `yaml:"features,omitempty"`
}

// TriggerVCS starts a build for every detected change in the VCS root.
const TriggerVCS = "vcs"

type Trigger struct {
	Type string `yaml:"type"`
	// BranchFilter narrows the VCS root branch spec using the same rule
	// syntax, matched against logical branch names. Empty means all.
	BranchFilter string `yaml:"branchFilter,omitempty"`
}

type FailureConditions struct {
	ExecutionTimeoutMin int `yaml:"executionTimeoutMin"`
}

// ExecutionTimeout returns the wall-clock budget of one build.
func (f FailureConditions) ExecutionTimeout() time.Duration {
	return time.Duration(f.ExecutionTimeoutMin) * time.Minute
}

// IssueTrackerBitbucket links issue references to Bitbucket issues.
const IssueTrackerBitbucket = "BitBucketIssues"

type IssueTracker struct {
	ID          string `yaml:"id"`
	Type        string `yaml:"type"`
	Name        string `yaml:"name"`
	Repository  string `yaml:"repository"`
	Pattern     string `yaml:"pattern"`
	AuthType    string `yaml:"authType,omitempty"`
	Username    string `yaml:"username,omitempty"`
	PasswordRef string `yaml:"passwordRef,omitempty"`
}

// VcsRoot looks up a root by id.
func (p *Project) VcsRoot(id string) (*VcsRoot, bool) {
	for i := range p.VcsRoots {
		if p.VcsRoots[i].ID == id {
			return &p.VcsRoots[i], true
		}
	}
	return nil, false
}

// BuildType looks up a build type by id.
func (p *Project) BuildType(id string) (*BuildType, bool) {
	for i := range p.BuildTypes {
		if p.BuildTypes[i].ID == id {
			return &p.BuildTypes[i], true
		}
	}
	return nil, false
}

// HasVCSTrigger reports whether changes start builds of this type.
func (bt *BuildType) HasVCSTrigger() bool {
	for _, t := range bt.Triggers {
		if t.Type == TriggerVCS {
			return true
		}
	}
	return false
}
