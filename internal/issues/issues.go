// Package issues links issue references found in commit messages to an
// issue tracker.
package issues

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultPattern matches "#123" style references.
const DefaultPattern = `#(\d+)`

// Tracker turns references into issue links.
type Tracker struct {
	repository string
	pattern    *regexp.Regexp
}

// NewTracker builds a tracker for a Bitbucket repository URL. The pattern's
// first capture group (or the whole match without one) is the issue id.
func NewTracker(repository, pattern string) (*Tracker, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("issue pattern %q: %w", pattern, err)
	}
	return &Tracker{repository: strings.TrimRight(repository, "/"), pattern: re}, nil
}

// Extract returns unique issue ids in first-seen order.
func (t *Tracker) Extract(messages ...string) []string {
	var ids []string
	seen := map[string]bool{}
	for _, msg := range messages {
		for _, m := range t.pattern.FindAllStringSubmatch(msg, -1) {
			id := m[0]
			if len(m) > 1 {
				id = m[1]
			}
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// URL returns the issue page for id.
func (t *Tracker) URL(id string) string {
	return t.repository + "/issues/" + id
}
