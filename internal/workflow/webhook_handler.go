package workflow

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nexusmcp/orchestrator/internal/cache"
	"github.com/nexusmcp/orchestrator/internal/observability"
	"github.com/nexusmcp/orchestrator/internal/storage"
	"github.com/nexusmcp/orchestrator/pkg/models"
)

// webhookDedupeWindow is how long a delivery id is remembered so a
// provider's at-least-once retry of the same webhook does not run an
// automation twice.
const webhookDedupeWindow = 10 * time.Minute

// WebhookHandlerDeps wires the C10 webhook trigger dispatch endpoint.
type WebhookHandlerDeps struct {
	Automations storage.AutomationStore
	Executor    *Executor
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// WebhookHandler serves POST /webhooks/{automationID}/{triggerID}: it
// verifies the trigger's HMAC secret, deduplicates retried deliveries, and
// runs the automation with the request body as step input.
type WebhookHandler struct {
	automations storage.AutomationStore
	executor    *Executor
	dedupe      *cache.DedupeCache
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(deps WebhookHandlerDeps) *WebhookHandler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "webhook")
	}
	return &WebhookHandler{
		automations: deps.Automations,
		executor:    deps.Executor,
		dedupe:      cache.NewDedupeCache(cache.DedupeCacheOptions{TTL: webhookDedupeWindow, MaxSize: 10000}),
		logger:      logger,
		metrics:     deps.Metrics,
	}
}

// Register mounts the webhook route on mux.
func (h *WebhookHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/{automationID}/{triggerID}", h.handle)
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	automationID := r.PathValue("automationID")
	triggerID := r.PathValue("triggerID")

	automation, err := h.automations.Get(r.Context(), automationID)
	if err != nil {
		http.Error(w, "automation not found", http.StatusNotFound)
		return
	}
	var trigger *models.Trigger
	for i := range automation.Triggers {
		if automation.Triggers[i].ID == triggerID && automation.Triggers[i].Type == models.TriggerWebhook {
			trigger = &automation.Triggers[i]
			break
		}
	}
	if trigger == nil {
		http.Error(w, "webhook trigger not found", http.StatusNotFound)
		return
	}
	if !trigger.Healthy {
		http.Error(w, "trigger is unhealthy", http.StatusServiceUnavailable)
		return
	}
	if !automation.Enabled {
		http.Error(w, "automation is disabled", http.StatusConflict)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if !VerifyWebhookSecret(trigger, r.Header.Get("X-Webhook-Signature")) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if deliveryID := r.Header.Get("X-Webhook-Delivery-Id"); deliveryID != "" {
		if h.dedupe.Check(deliveryID) {
			h.logger.Info("ignoring duplicate webhook delivery", "automation_id", automationID, "delivery_id", deliveryID)
			w.WriteHeader(http.StatusAccepted)
			return
		}
	}

	var input map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &input); err != nil {
			http.Error(w, "body must be a JSON object", http.StatusBadRequest)
			return
		}
	}

	if h.metrics != nil {
		h.metrics.RecordWebhookReceived(automationID)
	}

	go func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		_, err := h.executor.Run(ctx, automation, trigger, input)
		if err != nil {
			h.logger.Error("webhook-triggered automation failed", "automation_id", automationID, "trigger_id", triggerID, "error", err)
		}
		if h.metrics != nil {
			h.metrics.RecordWebhookProcessed(automationID, time.Since(start).Seconds(), err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}
