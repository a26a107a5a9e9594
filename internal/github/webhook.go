package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/routa-dev/routa/internal/background"
	"github.com/routa-dev/routa/internal/common/logger"
	"github.com/routa-dev/routa/internal/events"
	"github.com/routa-dev/routa/internal/events/bus"
	"github.com/routa-dev/routa/internal/store"
)

// Delivery is one inbound webhook request.
type Delivery struct {
	EventType string
	Signature string // X-Hub-Signature-256 value, "sha256=<hex>"
	RawBody   []byte
}

// Receiver evaluates webhook deliveries against every enabled config and
// queues background tasks for matches.
type Receiver struct {
	log    *logger.Logger
	store  store.Store
	engine *background.Engine
	bus    bus.EventBus
}

// NewReceiver creates a webhook receiver.
func NewReceiver(st store.Store, engine *background.Engine, eventBus bus.EventBus, log *logger.Logger) *Receiver {
	return &Receiver{
		log:    log.WithFields(zap.String("component", "github-webhook")),
		store:  st,
		engine: engine,
		bus:    eventBus,
	}
}

// RegisterRoutes mounts the webhook endpoint.
func (r *Receiver) RegisterRoutes(router gin.IRouter) {
	router.POST("/api/v1/webhooks/github", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}
		taskIDs, err := r.HandleDelivery(c.Request.Context(), Delivery{
			EventType: c.GetHeader("X-GitHub-Event"),
			Signature: c.GetHeader("X-Hub-Signature-256"),
			RawBody:   body,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"taskIds": taskIDs})
	})
}

// HandleDelivery runs one delivery through every enabled config and returns
// the ids of the background tasks it created. A delivery that matches no
// config is not an error.
func (r *Receiver) HandleDelivery(ctx context.Context, d Delivery) ([]string, error) {
	if d.EventType == "" {
		return nil, fmt.Errorf("missing event type")
	}
	configs, err := r.store.ListEnabledWebhookConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook configs: %w", err)
	}

	p, err := parsePayload(d.RawBody)
	if err != nil {
		return nil, err
	}

	var taskIDs []string
	for _, cfg := range configs {
		if taskID := r.evaluate(ctx, cfg, d, p, verifySignature(cfg.WebhookSecret, d.Signature, d.RawBody)); taskID != "" {
			taskIDs = append(taskIDs, taskID)
		}
	}

	r.publish(ctx, events.GitHubWebhookReceived, map[string]any{
		"event":   d.EventType,
		"action":  p.Action,
		"repo":    p.Repository.FullName,
		"taskIds": taskIDs,
	})
	return taskIDs, nil
}

// evaluate applies one config to a delivery: signature, match, dispatch.
// Every evaluated config gets exactly one trigger log row; a failed log
// append never blocks dispatch.
func (r *Receiver) evaluate(ctx context.Context, cfg *store.WebhookConfig, d Delivery, p *payload, sigValid bool) string {
	logRow := &store.WebhookTriggerLog{
		ConfigID:       cfg.ID,
		EventType:      d.EventType,
		EventAction:    p.Action,
		Payload:        string(d.RawBody),
		SignatureValid: sigValid,
	}
	defer func() {
		if err := r.store.AppendWebhookTriggerLog(ctx, logRow); err != nil {
			r.log.Warn("failed to append trigger log", zap.String("config_id", cfg.ID), zap.Error(err))
		}
	}()

	if !sigValid {
		logRow.Outcome = store.OutcomeError
		logRow.ErrorMessage = CodeSignatureInvalid
		r.log.Warn("webhook signature invalid",
			zap.String("config_id", cfg.ID), zap.String("event", d.EventType))
		return ""
	}
	if !matches(cfg, d.EventType, p) {
		logRow.Outcome = store.OutcomeSkipped
		return ""
	}

	task := &store.BackgroundTask{
		Title:         fmt.Sprintf("[GitHub %s] %s", d.EventType, p.title(d.EventType)),
		Prompt:        renderPrompt(cfg.PromptTemplate, d.EventType, p, d.RawBody),
		AgentID:       cfg.TriggerAgentID,
		WorkspaceID:   cfg.WorkspaceID,
		TriggerSource: store.TriggerWebhook,
		TriggeredBy:   cfg.ID,
	}
	if err := r.engine.Enqueue(ctx, task); err != nil {
		logRow.Outcome = store.OutcomeError
		logRow.ErrorMessage = err.Error()
		r.log.Error("failed to queue webhook task", zap.String("config_id", cfg.ID), zap.Error(err))
		return ""
	}

	logRow.Outcome = store.OutcomeTriggered
	logRow.BackgroundTaskID = task.ID
	r.log.Info("webhook triggered background task",
		zap.String("config_id", cfg.ID),
		zap.String("event", d.EventType),
		zap.String("task_id", task.ID))
	return task.ID
}

// matches checks event type and label filters against a config.
func matches(cfg *store.WebhookConfig, eventType string, p *payload) bool {
	if cfg.Repo != "" && p.Repository.FullName != "" && !strings.EqualFold(cfg.Repo, p.Repository.FullName) {
		return false
	}

	typeOK := false
	for _, t := range cfg.EventTypes {
		if t == "*" || t == eventType {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return false
	}

	if len(cfg.LabelFilter) > 0 && p.Issue != nil {
		for _, want := range cfg.LabelFilter {
			for _, have := range p.labels() {
				if strings.EqualFold(want, have) {
					return true
				}
			}
		}
		return false
	}
	return true
}

// verifySignature checks "sha256=<hex>" against the HMAC of the raw body.
// An empty secret accepts everything (dev mode).
func verifySignature(secret, signature string, body []byte) bool {
	if secret == "" {
		return true
	}
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, prefix)))
}

func (r *Receiver) publish(ctx context.Context, subject string, data map[string]any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, subject, bus.NewEvent(subject, "github", data)); err != nil {
		r.log.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
