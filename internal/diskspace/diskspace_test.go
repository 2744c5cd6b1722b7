package diskspace

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	cases := map[string]uint64{
		"1gb":   1 << 30,
		"1GB":   1 << 30,
		"500mb": 500 << 20,
		"2GiB":  2 << 30,
		"10kb":  10 << 10,
		"4096":  4096,
		" 1gb ": 1 << 30,
		"100b":  100,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "lots", "gb"} {
		_, err := ParseSize(bad)
		assert.Error(t, err, bad)
	}
}

func TestGuardBelowFloor(t *testing.T) {
	g := NewGuardFunc(func(string) (uint64, error) { return 512 << 20, nil })
	res, err := g.Check(t.TempDir(), 1<<30)
	require.NoError(t, err)
	assert.True(t, res.Below())
	assert.Contains(t, res.String(), "512 MiB free")
}

func TestGuardAboveFloor(t *testing.T) {
	g := NewGuardFunc(func(string) (uint64, error) { return 2 << 30, nil })
	res, err := g.Check(t.TempDir(), 1<<30)
	require.NoError(t, err)
	assert.False(t, res.Below())
}

func TestGuardResolvesMissingPath(t *testing.T) {
	dir := t.TempDir()
	var seen string
	g := NewGuardFunc(func(p string) (uint64, error) { seen = p; return 1, nil })
	_, err := g.Check(filepath.Join(dir, "not", "yet", "there"), 0)
	require.NoError(t, err)
	assert.Equal(t, dir, seen)
}

func TestGuardError(t *testing.T) {
	g := NewGuardFunc(func(string) (uint64, error) { return 0, errors.New("boom") })
	_, err := g.Check(t.TempDir(), 1)
	assert.Error(t, err)
}

func TestFreeOnTempDir(t *testing.T) {
	free, err := Free(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}
