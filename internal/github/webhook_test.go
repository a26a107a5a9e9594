package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routa-dev/routa/internal/background"
	"github.com/routa-dev/routa/internal/common/logger"
	"github.com/routa-dev/routa/internal/store"
)

const issueOpenedBody = `{
	"action": "opened",
	"repository": {"full_name": "acme/widgets"},
	"sender": {"login": "octocat"},
	"issue": {
		"number": 7,
		"title": "Fix crash on startup",
		"body": "The server panics when the config file is missing.",
		"html_url": "https://github.com/acme/widgets/issues/7",
		"labels": [{"name": "bug"}, {"name": "urgent"}]
	}
}`

func newWebhookEnv(t *testing.T) (*Receiver, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	log := logger.Default()
	engine := background.NewEngine(st, nil, nil, nil, background.Config{}, log)
	return NewReceiver(st, engine, nil, log), st
}

func addConfig(t *testing.T, st store.Store, cfg *store.WebhookConfig) *store.WebhookConfig {
	t.Helper()
	if cfg.Repo == "" {
		cfg.Repo = "acme/widgets"
	}
	if len(cfg.EventTypes) == 0 {
		cfg.EventTypes = []string{"issues"}
	}
	if cfg.TriggerAgentID == "" {
		cfg.TriggerAgentID = "claude"
	}
	if cfg.WorkspaceID == "" {
		cfg.WorkspaceID = "ws-1"
	}
	cfg.Enabled = true
	require.NoError(t, st.CreateWebhookConfig(context.Background(), cfg))
	return cfg
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func triggerLogs(t *testing.T, st store.Store, configID string) []*store.WebhookTriggerLog {
	t.Helper()
	logs, err := st.ListWebhookTriggerLogs(context.Background(), configID)
	require.NoError(t, err)
	return logs
}

func queuedTasks(t *testing.T, st store.Store) []*store.BackgroundTask {
	t.Helper()
	tasks, err := st.ListBackgroundTasks(context.Background(), store.BackgroundTaskFilter{})
	require.NoError(t, err)
	return tasks
}

func TestWebhookValidSignatureQueuesTask(t *testing.T) {
	receiver, st := newWebhookEnv(t)
	cfg := addConfig(t, st, &store.WebhookConfig{WebhookSecret: "s3cret"})

	body := []byte(issueOpenedBody)
	taskIDs, err := receiver.HandleDelivery(context.Background(), Delivery{
		EventType: "issues",
		Signature: sign("s3cret", body),
		RawBody:   body,
	})
	require.NoError(t, err)
	require.Len(t, taskIDs, 1)

	task, err := st.GetBackgroundTask(context.Background(), taskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "[GitHub issues] #7 Fix crash on startup", task.Title)
	assert.Equal(t, store.TriggerWebhook, task.TriggerSource)
	assert.Equal(t, cfg.ID, task.TriggeredBy)
	assert.Equal(t, "claude", task.AgentID)
	assert.Contains(t, task.Prompt, "Issue #7: Fix crash on startup")
	assert.Contains(t, task.Prompt, "acme/widgets")

	logs := triggerLogs(t, st, cfg.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, store.OutcomeTriggered, logs[0].Outcome)
	assert.True(t, logs[0].SignatureValid)
	assert.Equal(t, task.ID, logs[0].BackgroundTaskID)
}

func TestWebhookInvalidSignatureQueuesNothing(t *testing.T) {
	receiver, st := newWebhookEnv(t)
	cfg := addConfig(t, st, &store.WebhookConfig{WebhookSecret: "s3cret"})

	body := []byte(issueOpenedBody)
	taskIDs, err := receiver.HandleDelivery(context.Background(), Delivery{
		EventType: "issues",
		Signature: sign("wrong-secret", body),
		RawBody:   body,
	})
	require.NoError(t, err)
	assert.Empty(t, taskIDs)
	assert.Empty(t, queuedTasks(t, st))

	logs := triggerLogs(t, st, cfg.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, store.OutcomeError, logs[0].Outcome)
	assert.Equal(t, CodeSignatureInvalid, logs[0].ErrorMessage)
	assert.False(t, logs[0].SignatureValid)
}

func TestWebhookEmptySecretAcceptsUnsigned(t *testing.T) {
	receiver, st := newWebhookEnv(t)
	addConfig(t, st, &store.WebhookConfig{})

	taskIDs, err := receiver.HandleDelivery(context.Background(), Delivery{
		EventType: "issues",
		RawBody:   []byte(issueOpenedBody),
	})
	require.NoError(t, err)
	assert.Len(t, taskIDs, 1)
}

func TestWebhookLabelFilter(t *testing.T) {
	receiver, st := newWebhookEnv(t)
	cfg := addConfig(t, st, &store.WebhookConfig{LabelFilter: []string{"URGENT"}})

	// Labels match case-insensitively.
	taskIDs, err := receiver.HandleDelivery(context.Background(), Delivery{
		EventType: "issues",
		RawBody:   []byte(issueOpenedBody),
	})
	require.NoError(t, err)
	assert.Len(t, taskIDs, 1)

	noMatch := []byte(`{
		"action": "opened",
		"repository": {"full_name": "acme/widgets"},
		"issue": {"number": 8, "title": "Docs typo", "labels": [{"name": "docs"}]}
	}`)
	taskIDs, err = receiver.HandleDelivery(context.Background(), Delivery{
		EventType: "issues",
		RawBody:   noMatch,
	})
	require.NoError(t, err)
	assert.Empty(t, taskIDs)

	logs := triggerLogs(t, st, cfg.ID)
	require.Len(t, logs, 2)
	assert.Equal(t, store.OutcomeSkipped, logs[len(logs)-1].Outcome)
}

func TestWebhookEventTypeMatching(t *testing.T) {
	receiver, st := newWebhookEnv(t)
	addConfig(t, st, &store.WebhookConfig{EventTypes: []string{"*"}})

	prBody := []byte(`{
		"action": "opened",
		"repository": {"full_name": "acme/widgets"},
		"pull_request": {"number": 12, "title": "Add retry", "html_url": "https://github.com/acme/widgets/pull/12"}
	}`)
	taskIDs, err := receiver.HandleDelivery(context.Background(), Delivery{
		EventType: "pull_request",
		RawBody:   prBody,
	})
	require.NoError(t, err)
	require.Len(t, taskIDs, 1)

	task, err := st.GetBackgroundTask(context.Background(), taskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "[GitHub pull_request] #12 Add retry", task.Title)
}

func TestWebhookRepoMismatchSkips(t *testing.T) {
	receiver, st := newWebhookEnv(t)
	cfg := addConfig(t, st, &store.WebhookConfig{Repo: "acme/other"})

	taskIDs, err := receiver.HandleDelivery(context.Background(), Delivery{
		EventType: "issues",
		RawBody:   []byte(issueOpenedBody),
	})
	require.NoError(t, err)
	assert.Empty(t, taskIDs)

	logs := triggerLogs(t, st, cfg.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, store.OutcomeSkipped, logs[0].Outcome)
}

func TestWebhookCustomPromptTemplate(t *testing.T) {
	receiver, st := newWebhookEnv(t)
	addConfig(t, st, &store.WebhookConfig{
		PromptTemplate: "event={{event}} action={{action}} repo={{repo}}",
	})

	taskIDs, err := receiver.HandleDelivery(context.Background(), Delivery{
		EventType: "issues",
		RawBody:   []byte(issueOpenedBody),
	})
	require.NoError(t, err)
	require.Len(t, taskIDs, 1)

	task, err := st.GetBackgroundTask(context.Background(), taskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "event=issues action=opened repo=acme/widgets", task.Prompt)
}

func TestWebhookMultipleConfigsEachGetOneLogRow(t *testing.T) {
	receiver, st := newWebhookEnv(t)
	matching := addConfig(t, st, &store.WebhookConfig{})
	skipping := addConfig(t, st, &store.WebhookConfig{EventTypes: []string{"push"}})

	taskIDs, err := receiver.HandleDelivery(context.Background(), Delivery{
		EventType: "issues",
		RawBody:   []byte(issueOpenedBody),
	})
	require.NoError(t, err)
	assert.Len(t, taskIDs, 1)

	require.Len(t, triggerLogs(t, st, matching.ID), 1)
	skipped := triggerLogs(t, st, skipping.ID)
	require.Len(t, skipped, 1)
	assert.Equal(t, store.OutcomeSkipped, skipped[0].Outcome)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	assert.True(t, verifySignature("secret", sign("secret", body), body))
	assert.False(t, verifySignature("secret", sign("other", body), body))
	assert.False(t, verifySignature("secret", "not-a-signature", body))
	assert.False(t, verifySignature("secret", "", body))
	assert.True(t, verifySignature("", "", body))
}
