package core

import (
	"fmt"
	"sort"
	"strings"
)

const envPrefix = "env."

// Params resolves %name% references for one build.
type Params map[string]string

// BuildParams merges the build type parameters with the predefined ones.
// Predefined values win so a definition cannot spoof them.
func BuildParams(bt *BuildType, b *Build) Params {
	out := make(Params, len(bt.Params)+4)
	for k, v := range bt.Params {
		out[k] = v
	}
	out["build.id"] = b.ID
	out["build.number"] = fmt.Sprint(b.Number)
	out["build.vcs.number"] = b.Revision
	out["teamcity.build.branch"] = b.Branch
	return out
}

// Expand replaces %name% references. "%%" yields a literal percent sign.
// Unknown references are an error.
func (p Params) Expand(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	for {
		start := strings.IndexByte(s, '%')
		if start < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		b.WriteString(s[:start])
		rest := s[start+1:]
		end := strings.IndexByte(rest, '%')
		if end < 0 {
			return "", fmt.Errorf("unterminated parameter reference in %q", s)
		}
		name := rest[:end]
		if name == "" {
			b.WriteByte('%')
		} else {
			v, ok := p[name]
			if !ok {
				return "", fmt.Errorf("undefined parameter %%%s%%", name)
			}
			b.WriteString(v)
		}
		s = rest[end+1:]
	}
}

// Env returns the env.* parameters as sorted KEY=VALUE pairs.
func (p Params) Env() []string {
	var out []string
	for k, v := range p {
		if name, ok := strings.CutPrefix(k, envPrefix); ok && name != "" {
			out = append(out, name+"="+v)
		}
	}
	sort.Strings(out)
	return out
}

// ExpandStep returns a copy of s with every string field expanded.
func (p Params) ExpandStep(s Step) (Step, error) {
	var err error
	exp := func(v string) string {
		if err != nil {
			return v
		}
		var out string
		out, err = p.Expand(v)
		return out
	}
	out := s
	if s.DockerBuild != nil {
		b := *s.DockerBuild
		b.Path = exp(b.Path)
		b.Context = exp(b.Context)
		b.Args = exp(b.Args)
		tags := make([]string, len(b.Tags))
		for i, t := range b.Tags {
			tags[i] = exp(t)
		}
		b.Tags = tags
		out.DockerBuild = &b
	}
	if s.DockerCommand != nil {
		c := *s.DockerCommand
		c.Args = exp(c.Args)
		out.DockerCommand = &c
	}
	if s.Script != nil {
		sc := *s.Script
		sc.Content = exp(sc.Content)
		out.Script = &sc
	}
	if err != nil {
		return Step{}, fmt.Errorf("step %q: %w", s.Name, err)
	}
	return out, nil
}
