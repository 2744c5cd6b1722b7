// Package diskspace implements the free disk space guard that runs before
// a build starts.
package diskspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// ParseSize parses sizes such as "1gb", "500mb" or "2GiB". Decimal-looking
// units (kb, mb, gb, tb) are binary multiples, as in the CI definition
// format this mirrors.
func ParseSize(s string) (uint64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	if n := len(v); n >= 2 && v[n-1] == 'b' && strings.ContainsRune("kmgtp", rune(v[n-2])) {
		v = v[:n-1] + "ib"
	}
	size, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return size, nil
}

// Result of one guard check.
type Result struct {
	Path     string
	Free     uint64
	Required uint64
}

// Below reports whether free space is under the floor.
func (r Result) Below() bool { return r.Free < r.Required }

func (r Result) String() string {
	return fmt.Sprintf("%s free on %s, %s required",
		humanize.IBytes(r.Free), r.Path, humanize.IBytes(r.Required))
}

// Guard measures free space on the filesystem holding a path.
type Guard struct {
	free func(path string) (uint64, error)
}

// NewGuard measures free space with statfs.
func NewGuard() *Guard {
	return &Guard{free: Free}
}

// NewGuardFunc builds a guard over a custom measurement, for tests.
func NewGuardFunc(free func(path string) (uint64, error)) *Guard {
	return &Guard{free: free}
}

// Check measures free space for path against required bytes. Missing path
// components are resolved to the nearest existing parent.
func (g *Guard) Check(path string, required uint64) (Result, error) {
	p := existingParent(path)
	free, err := g.free(p)
	if err != nil {
		return Result{}, fmt.Errorf("statfs %s: %w", p, err)
	}
	return Result{Path: p, Free: free, Required: required}, nil
}

// Free returns the bytes available to unprivileged users on path's filesystem.
func Free(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

func existingParent(path string) string {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
