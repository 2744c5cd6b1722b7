package vcs

import (
	"fmt"
	"regexp"
	"strings"
)

// BranchSpec selects the refs a VCS root tracks. Each rule is "+:pattern"
// or "-:pattern" (a bare pattern is an inclusion). "*" matches any run of
// characters and an optional parenthesised group marks the logical branch
// name. Exclusions win; the default branch is always included.
type BranchSpec struct {
	defaultRef string
	include    []rule
	exclude    []rule
}

type rule struct {
	pattern string
	re      *regexp.Regexp
	group   bool
}

// ParseBranchSpec compiles spec for a root whose default branch is defaultRef.
func ParseBranchSpec(defaultRef, spec string) (*BranchSpec, error) {
	bs := &BranchSpec{defaultRef: defaultRef}
	for _, line := range strings.Split(spec, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		exclude := false
		switch {
		case strings.HasPrefix(line, "+:"):
			line = line[2:]
		case strings.HasPrefix(line, "-:"):
			line, exclude = line[2:], true
		}
		r, err := compileRule(line)
		if err != nil {
			return nil, err
		}
		if exclude {
			bs.exclude = append(bs.exclude, r)
		} else {
			bs.include = append(bs.include, r)
		}
	}
	return bs, nil
}

func compileRule(pattern string) (rule, error) {
	open := strings.Count(pattern, "(")
	closed := strings.Count(pattern, ")")
	if open > 1 || open != closed {
		return rule{}, fmt.Errorf("branch spec %q: at most one balanced ( ) group allowed", pattern)
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '(':
			b.WriteString("(")
		case ')':
			b.WriteString(")")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return rule{}, fmt.Errorf("branch spec %q: %w", pattern, err)
	}
	return rule{pattern: pattern, re: re, group: open == 1}, nil
}

// Match reports whether ref is tracked and returns its logical branch name.
func (bs *BranchSpec) Match(ref string) (string, bool) {
	for _, r := range bs.exclude {
		if r.re.MatchString(ref) {
			return "", false
		}
	}
	if ref == bs.defaultRef {
		return LogicalName(ref), true
	}
	for _, r := range bs.include {
		m := r.re.FindStringSubmatch(ref)
		if m == nil {
			continue
		}
		if r.group {
			return m[1], true
		}
		return LogicalName(ref), true
	}
	return "", false
}

// IsDefault reports whether ref is the root's default branch.
func (bs *BranchSpec) IsDefault(ref string) bool {
	return ref == bs.defaultRef
}

// LogicalName strips well-known ref prefixes: refs/heads/dev becomes dev.
func LogicalName(ref string) string {
	for _, prefix := range []string{"refs/heads/", "refs/tags/", "refs/"} {
		if name, ok := strings.CutPrefix(ref, prefix); ok {
			return name
		}
	}
	return ref
}

// MatchFilter applies a trigger branch filter to a logical branch name.
// An empty filter accepts everything; "<default>" names the default branch.
func MatchFilter(filter, branch string, isDefault bool) (bool, error) {
	if strings.TrimSpace(filter) == "" {
		return true, nil
	}
	accepted := false
	for _, line := range strings.Split(filter, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		exclude := false
		switch {
		case strings.HasPrefix(line, "+:"):
			line = line[2:]
		case strings.HasPrefix(line, "-:"):
			line, exclude = line[2:], true
		}
		var hit bool
		if line == "<default>" {
			hit = isDefault
		} else {
			r, err := compileRule(strings.NewReplacer("(", "", ")", "").Replace(line))
			if err != nil {
				return false, err
			}
			hit = r.re.MatchString(branch)
		}
		if hit && exclude {
			return false, nil
		}
		if hit {
			accepted = true
		}
	}
	return accepted, nil
}
