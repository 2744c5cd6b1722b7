package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// LogStorage keeps zstd compressed step logs, one directory per build.
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a new log storage handler
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// SaveLog writes the output of one step and returns the file path and the
// SHA-256 of the uncompressed output.
func (ls *LogStorage) SaveLog(buildID string, index int, step string, output []byte) (string, string, error) {
	dir := filepath.Join(ls.BaseDir, sanitize(buildID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}

	filename := fmt.Sprintf("%02d_%s.log.zst", index, sanitize(step))
	path := filepath.Join(dir, filename)
	f, err := os.Create(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return "", "", fmt.Errorf("zstd writer: %w", err)
	}
	h := sha256.New()
	if _, err := io.MultiWriter(enc, h).Write(output); err != nil {
		enc.Close()
		return "", "", fmt.Errorf("write log %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return "", "", fmt.Errorf("flush log %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", "", err
	}
	return path, hex.EncodeToString(h.Sum(nil)), nil
}

// OpenLog streams a saved log back decompressed.
func (ls *LogStorage) OpenLog(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &logReader{dec: dec, f: f}, nil
}

// HashLog recomputes the SHA-256 of a saved log's content.
func (ls *LogStorage) HashLog(path string) (string, error) {
	rc, err := ls.OpenLog(path)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type logReader struct {
	dec *zstd.Decoder
	f   *os.File
}

func (r *logReader) Read(p []byte) (int, error) { return r.dec.Read(p) }

func (r *logReader) Close() error {
	r.dec.Close()
	return r.f.Close()
}

// sanitize removes special characters from step names for filenames
func sanitize(name string) string {
	var clean strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			clean.WriteRune(r)
		case r == ' ':
			clean.WriteRune('_')
		}
	}
	if clean.Len() == 0 {
		return "step"
	}
	return clean.String()
}
