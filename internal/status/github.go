// Package status publishes build states to a GitHub compatible commit
// status API.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Commit status states.
const (
	StatePending = "pending"
	StateSuccess = "success"
	StateFailure = "failure"
	StateError   = "error"
)

const (
	defaultBaseURL    = "https://api.github.com"
	defaultContext    = "ecaci/Build"
	maxDescriptionLen = 140
	apiVersion        = "2022-11-28"
)

// Request is the body of a commit status.
type Request struct {
	State       string `json:"state"`
	TargetURL   string `json:"target_url,omitempty"`
	Description string `json:"description,omitempty"`
	Context     string `json:"context,omitempty"`
}

// Config for a Publisher.
type Config struct {
	BaseURL    string
	Token      string
	Context    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Publisher posts commit statuses.
type Publisher struct {
	baseURL string
	token   string
	context string
	http    *http.Client
	logger  *slog.Logger
}

// NewPublisher returns a publisher for cfg. A token is required.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("status: no token configured")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	ctxName := cfg.Context
	if ctxName == "" {
		ctxName = defaultContext
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{baseURL: base, token: cfg.Token, context: ctxName, http: hc, logger: logger}, nil
}

// Publish sets state on the commit sha of the repository at repoURL.
func (p *Publisher) Publish(ctx context.Context, repoURL, sha, state, description, targetURL string) error {
	owner, repo, err := ParseRepo(repoURL)
	if err != nil {
		return err
	}
	if sha == "" {
		return fmt.Errorf("status: empty commit sha")
	}
	body, err := json.Marshal(Request{
		State:       state,
		TargetURL:   targetURL,
		Description: truncate(description, maxDescriptionLen),
		Context:     p.context,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/repos/%s/%s/statuses/%s", p.baseURL, owner, repo, sha)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("status: post %s/%s@%s: %w", owner, repo, short(sha), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("status: post %s/%s@%s: http %d: %s", owner, repo, short(sha), resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	p.logger.Info("commit status published", "repo", owner+"/"+repo, "sha", short(sha), "state", state)
	return nil
}

var repoPattern = regexp.MustCompile(`^(?:[a-z+]+://)?(?:[^@/]+@)?[^:/]+(?::\d+)?[:/](.+?)/([^/]+?)(?:\.git)?/?$`)

// ParseRepo extracts owner and repository from ssh or https Git URLs.
func ParseRepo(repoURL string) (owner, repo string, err error) {
	m := repoPattern.FindStringSubmatch(strings.TrimSpace(repoURL))
	if m == nil {
		return "", "", fmt.Errorf("status: cannot derive owner/repo from %q", repoURL)
	}
	return m[1], m[2], nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
