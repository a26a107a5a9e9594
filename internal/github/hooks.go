package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/routa-dev/routa/internal/common/logger"
)

const apiVersionHeader = "2022-11-28"

// Hook is a registered repository webhook.
type Hook struct {
	ID     int64    `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active bool     `json:"active"`
	Config struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
	} `json:"config"`
}

// HooksClient manages repository webhooks over the GitHub REST API.
type HooksClient struct {
	log     *logger.Logger
	baseURL string
	client  *http.Client
}

// NewHooksClient creates a hooks client. baseURL defaults to the public API.
func NewHooksClient(baseURL string, log *logger.Logger) *HooksClient {
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	return &HooksClient{
		log:     log.WithFields(zap.String("component", "github-hooks")),
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateHook registers a webhook on repo ("owner/name") pointing at targetURL.
func (h *HooksClient) CreateHook(ctx context.Context, repo, token, targetURL, secret string, eventTypes []string) (*Hook, error) {
	if len(eventTypes) == 0 {
		eventTypes = []string{"issues", "pull_request"}
	}
	body := map[string]any{
		"name":   "web",
		"active": true,
		"events": eventTypes,
		"config": map[string]string{
			"url":          targetURL,
			"content_type": "json",
			"secret":       secret,
		},
	}
	var hook Hook
	if err := h.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/hooks", repo), token, body, &hook); err != nil {
		return nil, err
	}
	h.log.Info("webhook registered", zap.String("repo", repo), zap.Int64("hook_id", hook.ID))
	return &hook, nil
}

// ListHooks returns the webhooks registered on repo.
func (h *HooksClient) ListHooks(ctx context.Context, repo, token string) ([]Hook, error) {
	var hooks []Hook
	if err := h.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/hooks", repo), token, nil, &hooks); err != nil {
		return nil, err
	}
	return hooks, nil
}

// DeleteHook removes a webhook from repo.
func (h *HooksClient) DeleteHook(ctx context.Context, repo, token string, hookID int64) error {
	return h.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/hooks/%d", repo, hookID), token, nil, nil)
}

func (h *HooksClient) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersionHeader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", CodeUpstreamError, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusForbidden && resp.Header.Get("x-ratelimit-remaining") == "0" {
		return fmt.Errorf("%s: %w", CodeRateLimited, ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s %s returned %d: %s",
			CodeUpstreamError, method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", CodeUpstreamError, err)
	}
	return nil
}
