package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecaci/internal/core"
)

func TestLoadOrCreateKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "agent.key")
	k1, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	k2, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.True(t, k1.Equal(k2))
	assert.FileExists(t, path+".pub")
}

func TestSignedLedgerDetectsRehashedRecord(t *testing.T) {
	dir := t.TempDir()
	key, err := LoadOrCreateKey(filepath.Join(dir, "agent.key"))
	require.NoError(t, err)

	l, err := OpenLedger(filepath.Join(dir, "history.jsonl"))
	require.NoError(t, err)
	l.SignWith(key)
	require.NoError(t, l.Record(context.Background(), testBuild(1, core.StatusFailure)))
	require.NoError(t, l.VerifyChain())

	// Rewriting the build and its hash is not enough without the key.
	r := l.Records()[0]
	assert.NotEmpty(t, r.Signature)
	r.Build.Status = core.StatusSuccess
	r.Hash, err = r.ComputeHash()
	require.NoError(t, err)
	assert.ErrorContains(t, l.VerifyChain(), "signature mismatch")
}

func TestSignedLedgerRejectsUnsignedRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.jsonl")
	l, err := OpenLedger(path)
	require.NoError(t, err)
	require.NoError(t, l.Record(context.Background(), testBuild(1, core.StatusSuccess)))
	require.NoError(t, l.VerifyChain())

	key, err := LoadOrCreateKey(filepath.Join(dir, "agent.key"))
	require.NoError(t, err)
	l.SignWith(key)
	assert.ErrorContains(t, l.VerifyChain(), "not signed")
}

func TestSignedLedgerRejectsForeignSigner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.jsonl")
	a, err := LoadOrCreateKey(filepath.Join(dir, "a.key"))
	require.NoError(t, err)
	b, err := LoadOrCreateKey(filepath.Join(dir, "b.key"))
	require.NoError(t, err)

	l, err := OpenLedger(path)
	require.NoError(t, err)
	l.SignWith(a)
	require.NoError(t, l.Record(context.Background(), testBuild(1, core.StatusSuccess)))

	reopened, err := OpenLedger(path)
	require.NoError(t, err)
	require.NoError(t, reopened.VerifyChain(), "signature alone verifies without an expected signer")
	reopened.SignWith(b)
	assert.ErrorContains(t, reopened.VerifyChain(), "unknown key")
}
