package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndOpenLog(t *testing.T) {
	ls := NewLogStorage(t.TempDir())
	output := []byte(strings.Repeat("collected 12 items\nPASSED\n", 100))

	path, hash, err := ls.SaveLog("b-1", 1, "Unit tests", output)
	require.NoError(t, err)
	assert.Equal(t, "01_Unit_tests.log.zst", filepath.Base(path))

	sum := sha256.Sum256(output)
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)

	rc, err := ls.OpenLog(path)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, output, got)

	again, err := ls.HashLog(path)
	require.NoError(t, err)
	assert.Equal(t, hash, again)
}

func TestSaveEmptyLog(t *testing.T) {
	ls := NewLogStorage(t.TempDir())
	path, _, err := ls.SaveLog("b-2", 0, "Build image", nil)
	require.NoError(t, err)

	rc, err := ls.OpenLog(path)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "Tidy_up", sanitize("Tidy up"))
	assert.Equal(t, "step", sanitize("../.."))
	assert.Equal(t, "a-b_c", sanitize("a-b_c/"))
}
