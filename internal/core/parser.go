package core

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"ecaci/internal/diskspace"
)

// ParseProject parses YAML content into a Project, fills defaults and
// validates it.
func ParseProject(data []byte) (*Project, error) {
	var p Project
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse project: %w", err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProject reads a project definition file.
func LoadProject(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := ParseProject(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// MarshalProject renders p as YAML.
func MarshalProject(p *Project) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DefaultExecutionTimeoutMin is the build budget when a build type sets
// none.
const DefaultExecutionTimeoutMin = 30

// buildTypeID names checkout directories, so it must be a single safe path
// element.
var buildTypeID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

func (p *Project) applyDefaults() {
	for i := range p.VcsRoots {
		r := &p.VcsRoots[i]
		if r.UsernameStyle == "" {
			r.UsernameStyle = UsernameUserID
		}
		if r.Submodules == "" {
			r.Submodules = SubmodulesCheckout
		}
		if r.Branch != "" && !strings.HasPrefix(r.Branch, "refs/") {
			r.Branch = "refs/heads/" + r.Branch
		}
	}
	for i := range p.BuildTypes {
		bt := &p.BuildTypes[i]
		if bt.Name == "" {
			bt.Name = bt.ID
		}
		if bt.FailureConditions.ExecutionTimeoutMin == 0 {
			bt.FailureConditions.ExecutionTimeoutMin = DefaultExecutionTimeoutMin
		}
		for j := range bt.Steps {
			s := &bt.Steps[j]
			if s.ExecutionPolicy == "" {
				s.ExecutionPolicy = PolicyDefault
			}
			if s.DockerBuild != nil && s.DockerBuild.Context == "" {
				s.DockerBuild.Context = "."
			}
		}
	}
}

// ValidationError lists every problem found in a definition.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid project definition:\n  " + strings.Join(e.Issues, "\n  ")
}

// Validate checks structural invariants of the definition.
func (p *Project) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	roots := map[string]bool{}
	for i, r := range p.VcsRoots {
		switch {
		case r.ID == "":
			add("vcsRoots[%d]: missing id", i)
		case roots[r.ID]:
			add("vcsRoots[%d]: duplicate id %q", i, r.ID)
		}
		roots[r.ID] = true
		if r.URL == "" {
			add("vcsRoots[%d]: missing url", i)
		}
		if r.Branch == "" {
			add("vcsRoots[%d]: missing branch", i)
		}
		switch r.UsernameStyle {
		case UsernameUserID, UsernameEmail, UsernameName, UsernameFull:
		default:
			add("vcsRoots[%d]: unknown usernameStyle %q", i, r.UsernameStyle)
		}
		switch r.Submodules {
		case SubmodulesCheckout, SubmodulesIgnore:
		default:
			add("vcsRoots[%d]: unknown submodules policy %q", i, r.Submodules)
		}
		if r.Auth.Method != "" && r.Auth.Method != AuthUploadedKey {
			add("vcsRoots[%d]: unsupported auth method %q", i, r.Auth.Method)
		}
	}

	ids := map[string]bool{}
	for i, bt := range p.BuildTypes {
		where := fmt.Sprintf("buildTypes[%d]", i)
		switch {
		case bt.ID == "":
			add("%s: missing id", where)
		case ids[bt.ID]:
			add("%s: duplicate id %q", where, bt.ID)
		case !buildTypeID.MatchString(bt.ID):
			add("%s: id %q may only contain letters, digits, '_', '.' and '-'", where, bt.ID)
		}
		ids[bt.ID] = true
		if !roots[bt.VcsRootID] {
			add("%s: unknown vcsRoot %q", where, bt.VcsRootID)
		}
		if len(bt.Steps) == 0 {
			add("%s: no steps", where)
		}
		if bt.FailureConditions.ExecutionTimeoutMin <= 0 {
			add("%s: executionTimeoutMin must be positive", where)
		}
		names := map[string]bool{}
		for j, s := range bt.Steps {
			sw := fmt.Sprintf("%s.steps[%d]", where, j)
			if s.Name == "" {
				add("%s: missing name", sw)
			} else if names[s.Name] {
				add("%s: duplicate step name %q", sw, s.Name)
			}
			names[s.Name] = true
			if n := s.variants(); n != 1 {
				add("%s: exactly one of dockerBuild, dockerCommand, script must be set (got %d)", sw, n)
			}
			if s.ExecutionPolicy != PolicyDefault && s.ExecutionPolicy != PolicyAlways {
				add("%s: unknown executionPolicy %q", sw, s.ExecutionPolicy)
			}
			if b := s.DockerBuild; b != nil {
				if b.Path == "" {
					add("%s: dockerBuild.path is required", sw)
				}
				if len(b.Tags) == 0 {
					add("%s: dockerBuild.tags is required", sw)
				}
			}
			if c := s.DockerCommand; c != nil && c.Subcommand == "" {
				add("%s: dockerCommand.subcommand is required", sw)
			}
			if sc := s.Script; sc != nil && strings.TrimSpace(sc.Content) == "" {
				add("%s: script.content is empty", sw)
			}
		}
		for j, t := range bt.Triggers {
			if t.Type != TriggerVCS {
				add("%s.triggers[%d]: unknown trigger type %q", where, j, t.Type)
			}
		}
		for j, f := range bt.Features {
			fw := fmt.Sprintf("%s.features[%d]", where, j)
			if n := f.variants(); n != 1 {
				add("%s: exactly one feature kind must be set (got %d)", fw, n)
			}
			if c := f.CommitStatusPublisher; c != nil {
				if c.Publisher != PublisherGitHub {
					add("%s: unsupported publisher %q", fw, c.Publisher)
				}
				if c.TokenRef == "" {
					add("%s: commitStatusPublisher.tokenRef is required", fw)
				}
			}
			if d := f.FreeDiskSpace; d != nil {
				if _, err := diskspace.ParseSize(d.RequiredSpace); err != nil {
					add("%s: requiredSpace: %v", fw, err)
				}
			}
		}
	}

	for i, it := range p.IssueTrackers {
		if it.Type != IssueTrackerBitbucket {
			add("issueTrackers[%d]: unsupported type %q", i, it.Type)
		}
		if _, err := regexp.Compile(it.Pattern); err != nil {
			add("issueTrackers[%d]: bad pattern: %v", i, err)
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
