package trigger

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pushPayload = `{
  "ref": "refs/heads/dev",
  "after": "9f3c2a1b7e",
  "deleted": false,
  "commits": [
    {"id": "1", "message": "add tenant api #41"},
    {"id": "2", "message": "fix tests, closes #42"}
  ],
  "head_commit": {
    "id": "9f3c2a1b7e",
    "message": "fix tests, closes #42",
    "author": {"name": "Jane Doe", "email": "jane.doe@mesoform.com"}
  }
}`

func TestParsePush(t *testing.T) {
	ev, err := ParsePush([]byte(pushPayload))
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/dev", ev.Ref)
	assert.Equal(t, "9f3c2a1b7e", ev.Revision)
	assert.Equal(t, "Jane Doe <jane.doe@mesoform.com>", ev.Author)
	assert.Equal(t, []string{"add tenant api #41", "fix tests, closes #42"}, ev.Messages)
}

func TestParsePushDeletionIgnored(t *testing.T) {
	_, err := ParsePush([]byte(`{"ref":"refs/heads/old","after":"0000000000000000000000000000000000000000","deleted":true}`))
	assert.True(t, errors.Is(err, ErrIgnored))
}

func TestParsePullRequest(t *testing.T) {
	for _, action := range []string{"opened", "synchronize", "reopened"} {
		body := `{"action":"` + action + `","number":7,"pull_request":{"title":"Tenant api","body":"refs #41","head":{"sha":"abc"},"user":{"login":"jdoe"}}}`
		ev, err := ParsePullRequest([]byte(body))
		require.NoError(t, err, action)
		assert.Equal(t, "refs/pull/7/merge", ev.Ref)
		assert.Empty(t, ev.Revision)
		assert.Equal(t, "abc", ev.Head)
		assert.Equal(t, "jdoe", ev.Author)
		assert.Contains(t, ev.Messages, "refs #41")
	}

	_, err := ParsePullRequest([]byte(`{"action":"closed","number":7}`))
	assert.True(t, errors.Is(err, ErrIgnored))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(pushPayload)
	sig := Sign("s3cret", body)

	assert.NoError(t, VerifySignature("s3cret", body, sig))
	assert.True(t, errors.Is(VerifySignature("other", body, sig), ErrSignature))
	assert.True(t, errors.Is(VerifySignature("s3cret", body, ""), ErrSignature))
	assert.True(t, errors.Is(VerifySignature("s3cret", body, "sha256=zz"), ErrSignature))
}

func newDelivery(event, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event)
	return req
}

func TestExtract(t *testing.T) {
	req := newDelivery("push", pushPayload)
	req.Header.Set(HeaderSignature, Sign("s3cret", []byte(pushPayload)))
	ev, err := Extract(req, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/dev", ev.Ref)

	_, err = Extract(newDelivery("push", pushPayload), "s3cret")
	assert.True(t, errors.Is(err, ErrSignature))

	_, err = Extract(newDelivery("ping", `{"zen":"hi"}`), "")
	assert.True(t, errors.Is(err, ErrIgnored))

	_, err = Extract(newDelivery("issues", `{}`), "")
	assert.True(t, errors.Is(err, ErrIgnored))

	bad := newDelivery("push", pushPayload)
	bad.Header.Set("Content-Type", "text/plain")
	_, err = Extract(bad, "")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrIgnored))
}
