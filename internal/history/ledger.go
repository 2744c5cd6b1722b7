// Package history keeps the append-only, hash-chained record of finished
// builds on the agent.
package history

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"ecaci/internal/core"
)

// ErrNotFound is returned for unknown build numbers.
var ErrNotFound = errors.New("build not found")

// Ledger is a JSON lines file, one Record per line.
type Ledger struct {
	mu      sync.Mutex
	records []*Record
	path    string
	key     ed25519.PrivateKey
}

// SignWith makes the ledger sign new records with key and require that
// signer when verifying.
func (l *Ledger) SignWith(key ed25519.PrivateKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.key = key
}

// OpenLedger loads an existing ledger file or creates an empty one.
func OpenLedger(path string) (*Ledger, error) {
	l := &Ledger{path: path}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("%s:%d: decode record: %w", path, line, err)
		}
		l.records = append(l.records, &r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return l, nil
}

// Record appends a finished build, persisting it before it becomes visible.
func (l *Ledger) Record(_ context.Context, b *core.Build) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	if n := len(l.records); n > 0 {
		prev = l.records[n-1].Hash
	}
	r, err := newRecord(len(l.records), b, prev)
	if err != nil {
		return err
	}
	if l.key != nil {
		r.sign(l.key)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(r); err != nil {
		return fmt.Errorf("write ledger file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync ledger file: %w", err)
	}

	l.records = append(l.records, r)
	return nil
}

// NextNumber returns the number for the next build.
func (l *Ledger) NextNumber() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	highest := 0
	for _, r := range l.records {
		if r.Build.Number > highest {
			highest = r.Build.Number
		}
	}
	return highest + 1
}

// List returns up to limit builds, newest first. limit <= 0 returns all.
func (l *Ledger) List(limit int) []core.Build {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []core.Build
	for i := len(l.records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, l.records[i].Build)
	}
	return out
}

// Get returns the build with the given number.
func (l *Ledger) Get(number int) (core.Build, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].Build.Number == number {
			return l.records[i].Build, nil
		}
	}
	return core.Build{}, fmt.Errorf("build #%d: %w", number, ErrNotFound)
}

// Records returns the raw records in ledger order.
func (l *Ledger) Records() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Record(nil), l.records...)
}
