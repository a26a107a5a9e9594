package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/routa-dev/routa/internal/common/logger"
	"github.com/routa-dev/routa/internal/events"
	"github.com/routa-dev/routa/internal/events/bus"
	"github.com/routa-dev/routa/internal/store"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultAPIBaseURL   = "https://api.github.com"
	eventsPerPage       = 30
)

// PollerConfig tunes the Events API poller.
type PollerConfig struct {
	Interval time.Duration
	BaseURL  string
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval == 0 {
		c.Interval = defaultPollInterval
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultAPIBaseURL
	}
	return c
}

// Poller polls the repo Events API for repos without webhook delivery and
// feeds matching events through the same receiver pipeline.
type Poller struct {
	log      *logger.Logger
	store    store.Store
	receiver *Receiver
	bus      bus.EventBus
	cfg      PollerConfig
	client   *http.Client

	mu           sync.Mutex
	lastEventIDs map[string]string // repo -> newest processed event id

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewPoller creates an Events API poller.
func NewPoller(st store.Store, receiver *Receiver, eventBus bus.EventBus, cfg PollerConfig, log *logger.Logger) *Poller {
	return &Poller{
		log:          log.WithFields(zap.String("component", "github-poller")),
		store:        st,
		receiver:     receiver,
		bus:          eventBus,
		cfg:          cfg.withDefaults(),
		client:       &http.Client{Timeout: 15 * time.Second},
		lastEventIDs: make(map[string]string),
	}
}

// Start begins the polling loop. Calling Start twice without Stop is a no-op.
func (p *Poller) Start(ctx context.Context) {
	if p.started {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.loop(ctx)
	p.log.Info("GitHub events poller started", zap.Duration("interval", p.cfg.Interval))
}

// Stop cancels the loop and waits for it to finish.
func (p *Poller) Stop() {
	if !p.started {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.started = false
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	// Evaluate existing configs immediately on startup.
	p.PollOnce(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce polls every unique repo across the enabled configs. Per-repo
// failures are logged and do not stop the pass.
func (p *Poller) PollOnce(ctx context.Context) {
	configs, err := p.store.ListEnabledWebhookConfigs(ctx)
	if err != nil {
		p.log.Error("failed to list webhook configs", zap.Error(err))
		return
	}

	tokens := make(map[string]string)
	for _, cfg := range configs {
		if _, seen := tokens[cfg.Repo]; !seen {
			tokens[cfg.Repo] = cfg.GithubToken
		}
	}
	for repo, token := range tokens {
		if err := p.PollRepo(ctx, repo, token); err != nil {
			p.log.Warn("repo poll failed", zap.String("repo", repo), zap.Error(err))
		}
	}
}

// apiEvent is one entry from GET /repos/{repo}/events.
type apiEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PollRepo fetches the repo's event feed and dispatches everything newer
// than the stored marker, oldest first. The marker then advances to the
// newest event id in the batch.
func (p *Poller) PollRepo(ctx context.Context, repo, token string) error {
	batch, err := p.fetchEvents(ctx, repo, token)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	p.mu.Lock()
	marker := p.lastEventIDs[repo]
	p.mu.Unlock()

	// The feed is newest-first: collect until the marker, then replay the
	// new events in chronological order.
	var fresh []apiEvent
	for _, event := range batch {
		if marker != "" && event.ID == marker {
			break
		}
		fresh = append(fresh, event)
	}

	processed := 0
	for i := len(fresh) - 1; i >= 0; i-- {
		if p.dispatchEvent(ctx, repo, fresh[i]) {
			processed++
		}
	}

	p.mu.Lock()
	p.lastEventIDs[repo] = batch[0].ID
	p.mu.Unlock()

	if processed > 0 {
		p.publish(ctx, events.GitHubPollBatch, map[string]any{
			"repo":      repo,
			"processed": processed,
			"marker":    batch[0].ID,
		})
	}
	return nil
}

func (p *Poller) fetchEvents(ctx context.Context, repo, token string) ([]apiEvent, error) {
	url := fmt.Sprintf("%s/repos/%s/events?per_page=%d", p.cfg.BaseURL, repo, eventsPerPage)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CodeUpstreamError, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusForbidden && resp.Header.Get("x-ratelimit-remaining") == "0" {
		return nil, fmt.Errorf("%s: %w", CodeRateLimited, ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: events API returned %d", CodeUpstreamError, resp.StatusCode)
	}

	var batch []apiEvent
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("%s: failed to decode events: %w", CodeUpstreamError, err)
	}
	return batch, nil
}

// dispatchEvent converts one Events API entry to the webhook payload shape
// and runs it through the receiver's configs. Polling is authenticated, so
// the signature check is considered passed.
func (p *Poller) dispatchEvent(ctx context.Context, repo string, event apiEvent) bool {
	eventType, ok := eventTypeFor(event.Type)
	if !ok {
		return false
	}

	rawBody, err := injectRepository(event.Payload, repo)
	if err != nil {
		p.log.Warn("failed to convert event payload",
			zap.String("repo", repo), zap.String("event_id", event.ID), zap.Error(err))
		return false
	}
	parsed, err := parsePayload(rawBody)
	if err != nil {
		p.log.Warn("failed to parse event payload",
			zap.String("repo", repo), zap.String("event_id", event.ID), zap.Error(err))
		return false
	}

	configs, err := p.store.ListEnabledWebhookConfigs(ctx)
	if err != nil {
		p.log.Error("failed to list webhook configs", zap.Error(err))
		return false
	}
	dispatched := false
	for _, cfg := range configs {
		if cfg.Repo != repo {
			continue
		}
		if taskID := p.receiver.evaluate(ctx, cfg, Delivery{EventType: eventType, RawBody: rawBody}, parsed, true); taskID != "" {
			dispatched = true
		}
	}
	return dispatched
}

// injectRepository adds the repository object webhook payloads carry but
// Events API payloads omit.
func injectRepository(raw json.RawMessage, repo string) ([]byte, error) {
	merged := make(map[string]json.RawMessage)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &merged); err != nil {
			return nil, err
		}
	}
	repoObj, err := json.Marshal(map[string]string{"full_name": repo})
	if err != nil {
		return nil, err
	}
	merged["repository"] = repoObj
	return json.Marshal(merged)
}

// eventTypeFor maps Events API type names onto webhook event types.
func eventTypeFor(apiType string) (string, bool) {
	switch apiType {
	case "IssuesEvent":
		return "issues", true
	case "IssueCommentEvent":
		return "issue_comment", true
	case "PullRequestEvent":
		return "pull_request", true
	case "PullRequestReviewEvent":
		return "pull_request_review", true
	case "PullRequestReviewCommentEvent":
		return "pull_request_review_comment", true
	case "PushEvent":
		return "push", true
	case "CreateEvent":
		return "create", true
	case "DeleteEvent":
		return "delete", true
	case "CheckRunEvent":
		return "check_run", true
	case "CheckSuiteEvent":
		return "check_suite", true
	case "WorkflowRunEvent":
		return "workflow_run", true
	case "WorkflowJobEvent":
		return "workflow_job", true
	default:
		return "", false
	}
}

// Marker returns the stored dedup marker for a repo (tests and diagnostics).
func (p *Poller) Marker(repo string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastEventIDs[repo]
}

func (p *Poller) publish(ctx context.Context, subject string, data map[string]any) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, subject, bus.NewEvent(subject, "github", data)); err != nil {
		p.log.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
