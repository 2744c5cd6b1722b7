// Package workspace keeps the build checkout directory clean: forced clean
// checkouts before a build and removal of build leftovers after it.
package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Snapshot records the files of a checkout right after it was made.
type Snapshot struct {
	Root  string
	Files map[string]fileState
}

type fileState struct {
	size    int64
	modTime time.Time
	dir     bool
}

// Report lists what a build did to the checkout.
type Report struct {
	Removed  []string // created by the build and deleted by Scrub
	Modified []string // checkout files changed by the build
	Deleted  []string // checkout files deleted by the build
}

// Dirty reports whether the checkout no longer matches the snapshot.
func (r Report) Dirty() bool {
	return len(r.Modified) > 0 || len(r.Deleted) > 0
}

// ForceClean removes dir with everything in it and recreates it empty.
func ForceClean(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clean %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// Take walks dir and records every entry except the .git directory.
func Take(dir string) (*Snapshot, error) {
	s := &Snapshot{Root: dir, Files: map[string]fileState{}}
	err := walk(dir, func(rel string, info fs.FileInfo) {
		s.Files[rel] = fileState{size: info.Size(), modTime: info.ModTime(), dir: info.IsDir()}
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", dir, err)
	}
	return s, nil
}

// Scrub deletes files created since the snapshot and reports changes to
// files that were part of it.
func Scrub(s *Snapshot) (Report, error) {
	var rep Report
	seen := map[string]bool{}
	var created []string

	err := walk(s.Root, func(rel string, info fs.FileInfo) {
		seen[rel] = true
		prev, ok := s.Files[rel]
		switch {
		case !ok:
			created = append(created, rel)
		case !info.IsDir() && (prev.size != info.Size() || !prev.modTime.Equal(info.ModTime())):
			rep.Modified = append(rep.Modified, rel)
		}
	})
	if err != nil {
		return rep, fmt.Errorf("scrub %s: %w", s.Root, err)
	}

	// Deepest paths first so directories are empty when reached; a created
	// directory takes its contents with it.
	sort.Sort(sort.Reverse(sort.StringSlice(created)))
	for _, rel := range created {
		if err := os.RemoveAll(filepath.Join(s.Root, rel)); err != nil {
			return rep, fmt.Errorf("remove %s: %w", rel, err)
		}
		rep.Removed = append(rep.Removed, rel)
	}
	sort.Strings(rep.Removed)

	for rel := range s.Files {
		if !seen[rel] {
			rep.Deleted = append(rep.Deleted, rel)
		}
	}
	sort.Strings(rep.Deleted)
	sort.Strings(rep.Modified)
	return rep, nil
}

func walk(root string, fn func(rel string, info fs.FileInfo)) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fn(rel, info)
		return nil
	})
}
