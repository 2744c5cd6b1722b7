// Package trigger turns GitHub webhook deliveries into change events.
package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"ecaci/internal/core"
)

// Headers set by GitHub on every delivery.
const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderSignature = "X-Hub-Signature-256"
)

// maxPayload bounds the accepted request body.
const maxPayload = 25 << 20

var (
	// ErrIgnored marks deliveries that are valid but do not describe a change
	// to build: pings, branch deletions, closed pull requests.
	ErrIgnored = errors.New("event ignored")
	// ErrSignature is returned when the delivery signature does not match.
	ErrSignature = errors.New("signature mismatch")
)

type gitHubUser struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type gitHubCommit struct {
	ID      string     `json:"id"`
	Message string     `json:"message"`
	Author  gitHubUser `json:"author"`
}

type gitHubPushEvent struct {
	Ref        string         `json:"ref"`
	After      string         `json:"after"`
	Deleted    bool           `json:"deleted"`
	Commits    []gitHubCommit `json:"commits"`
	HeadCommit *gitHubCommit  `json:"head_commit"`
}

type gitHubPullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Head  struct {
			SHA string `json:"sha"`
		} `json:"head"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
}

// ParsePush decodes a push payload. Branch deletions are ignored.
func ParsePush(body []byte) (core.ChangeEvent, error) {
	var ev gitHubPushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return core.ChangeEvent{}, fmt.Errorf("decode push event: %w", err)
	}
	if ev.Deleted || strings.Trim(ev.After, "0") == "" {
		return core.ChangeEvent{}, fmt.Errorf("push deletes %s: %w", ev.Ref, ErrIgnored)
	}
	if ev.Ref == "" {
		return core.ChangeEvent{}, errors.New("push event without ref")
	}
	change := core.ChangeEvent{Ref: ev.Ref, Revision: ev.After}
	for _, c := range ev.Commits {
		change.Messages = append(change.Messages, c.Message)
	}
	if h := ev.HeadCommit; h != nil {
		change.Author = formatAuthor(h.Author)
		if len(ev.Commits) == 0 {
			change.Messages = append(change.Messages, h.Message)
		}
	}
	return change, nil
}

// ParsePullRequest decodes a pull_request payload into a change of the
// pull request's merge ref. Only actions that change the code are kept.
func ParsePullRequest(body []byte) (core.ChangeEvent, error) {
	var ev gitHubPullRequestEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return core.ChangeEvent{}, fmt.Errorf("decode pull_request event: %w", err)
	}
	switch ev.Action {
	case "opened", "synchronize", "reopened":
	default:
		return core.ChangeEvent{}, fmt.Errorf("pull request action %q: %w", ev.Action, ErrIgnored)
	}
	if ev.Number <= 0 {
		return core.ChangeEvent{}, errors.New("pull_request event without number")
	}
	// The merge commit is created by GitHub and unknown here, so the build
	// checks out the tip of the merge ref. The head sha tells redeliveries
	// apart from new pushes.
	return core.ChangeEvent{
		Ref:      fmt.Sprintf("refs/pull/%d/merge", ev.Number),
		Head:     ev.PullRequest.Head.SHA,
		Author:   ev.PullRequest.User.Login,
		Messages: []string{ev.PullRequest.Title, ev.PullRequest.Body},
	}, nil
}

// VerifySignature checks the X-Hub-Signature-256 header against body.
func VerifySignature(secret string, body []byte, header string) error {
	hexSum, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return fmt.Errorf("missing %s: %w", HeaderSignature, ErrSignature)
	}
	got, err := hex.DecodeString(hexSum)
	if err != nil {
		return fmt.Errorf("malformed %s: %w", HeaderSignature, ErrSignature)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignature
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Extract verifies and decodes a webhook request. An empty secret skips
// signature verification.
func Extract(req *http.Request, secret string) (core.ChangeEvent, error) {
	if req.Method != http.MethodPost {
		return core.ChangeEvent{}, fmt.Errorf("unsupported HTTP method %s", req.Method)
	}
	if ct := req.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		return core.ChangeEvent{}, fmt.Errorf("unsupported Content-Type %q", ct)
	}
	event := req.Header.Get(HeaderEvent)
	if event == "" {
		return core.ChangeEvent{}, fmt.Errorf("missing %s", HeaderEvent)
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxPayload))
	if err != nil {
		return core.ChangeEvent{}, fmt.Errorf("read body: %w", err)
	}
	if secret != "" {
		if err := VerifySignature(secret, body, req.Header.Get(HeaderSignature)); err != nil {
			return core.ChangeEvent{}, err
		}
	}

	switch event {
	case "push":
		return ParsePush(body)
	case "pull_request":
		return ParsePullRequest(body)
	case "ping":
		return core.ChangeEvent{}, fmt.Errorf("ping: %w", ErrIgnored)
	default:
		return core.ChangeEvent{}, fmt.Errorf("event %q: %w", event, ErrIgnored)
	}
}

func formatAuthor(u gitHubUser) string {
	switch {
	case u.Email == "":
		return u.Name
	case u.Name == "":
		return "<" + u.Email + ">"
	default:
		return u.Name + " <" + u.Email + ">"
	}
}
