package vcs

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecaci/internal/command"
	"ecaci/internal/command/commandtest"
)

func TestBranchSpecDefaultAndPullRequests(t *testing.T) {
	bs, err := ParseBranchSpec("refs/heads/dev", "+:refs/pull/(*/merge)")
	require.NoError(t, err)

	name, ok := bs.Match("refs/heads/dev")
	assert.True(t, ok)
	assert.Equal(t, "dev", name)

	name, ok = bs.Match("refs/pull/42/merge")
	assert.True(t, ok)
	assert.Equal(t, "42/merge", name)

	_, ok = bs.Match("refs/heads/feature")
	assert.False(t, ok)
	_, ok = bs.Match("refs/pull/42/head")
	assert.False(t, ok)
}

func TestBranchSpecExclusionWins(t *testing.T) {
	bs, err := ParseBranchSpec("refs/heads/dev", "+:refs/heads/*\n-:refs/heads/wip-*")
	require.NoError(t, err)

	name, ok := bs.Match("refs/heads/release")
	assert.True(t, ok)
	assert.Equal(t, "release", name)

	_, ok = bs.Match("refs/heads/wip-thing")
	assert.False(t, ok)
}

func TestBranchSpecRejectsBadGroups(t *testing.T) {
	_, err := ParseBranchSpec("refs/heads/dev", "+:refs/(a)/(b)")
	assert.Error(t, err)
	_, err = ParseBranchSpec("refs/heads/dev", "+:refs/(a")
	assert.Error(t, err)
}

func TestMatchFilter(t *testing.T) {
	ok, err := MatchFilter("", "anything", false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = MatchFilter("+:<default>", "dev", true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = MatchFilter("+:<default>", "42/merge", false)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = MatchFilter("+:*\n-:*/merge", "42/merge", false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUsername(t *testing.T) {
	a := ParseAuthor("Jane Doe <jane.doe@example.com>")
	assert.Equal(t, "jane.doe", Username(a, "userid"))
	assert.Equal(t, "jane.doe@example.com", Username(a, "email"))
	assert.Equal(t, "Jane Doe", Username(a, "name"))
	assert.Equal(t, "Jane Doe <jane.doe@example.com>", Username(a, "full"))

	bare := ParseAuthor("ci@example.com")
	assert.Equal(t, "ci", Username(bare, "userid"))
	assert.Equal(t, "ci@example.com", Username(bare, "name"))

	nameOnly := ParseAuthor("robot")
	assert.Equal(t, "robot", Username(nameOnly, "userid"))
}

func TestCheckoutCommands(t *testing.T) {
	fake := &commandtest.Fake{Responses: []commandtest.Response{
		{Prefix: "git -C /w rev-parse HEAD", Output: "abc123\n"},
	}}
	var keyPath string
	fake.OnRun = func(c command.Cmd) {
		for _, kv := range c.Env {
			if v, ok := strings.CutPrefix(kv, "GIT_SSH_COMMAND=ssh -i "); ok {
				keyPath = strings.Fields(v)[0]
				info, err := os.Stat(keyPath)
				if assert.NoError(t, err) {
					assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
				}
			}
		}
	}

	rev, err := NewGit(fake, nil).Checkout(context.Background(), CheckoutOptions{
		URL:        "git@github.com:org/repo.git",
		Ref:        "refs/pull/7/merge",
		Revision:   "abc123",
		Dir:        "/w",
		Submodules: true,
		SSHKey:     []byte("-----BEGIN KEY-----"),
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", rev)
	assert.Equal(t, []string{
		"git -C /w init -q",
		"git -C /w remote add origin git@github.com:org/repo.git",
		"git -C /w fetch -q --no-tags origin refs/pull/7/merge",
		"git -C /w checkout -q -f --detach abc123",
		"git -C /w submodule update -q --init --recursive",
		"git -C /w rev-parse HEAD",
	}, fake.Lines())

	require.NotEmpty(t, keyPath)
	_, err = os.Stat(keyPath)
	assert.True(t, os.IsNotExist(err), "key file must be removed after checkout")
}

func TestCheckoutFetchFailure(t *testing.T) {
	fake := &commandtest.Fake{Responses: []commandtest.Response{
		{Prefix: "git -C /w fetch", Err: errors.New("exit status 128")},
	}}
	_, err := NewGit(fake, nil).Checkout(context.Background(), CheckoutOptions{
		URL: "git@github.com:org/repo.git", Ref: "refs/heads/dev", Dir: "/w",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git fetch")
	assert.Len(t, fake.Calls, 3)
}
