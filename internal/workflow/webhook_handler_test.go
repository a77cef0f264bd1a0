package workflow

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nexusmcp/orchestrator/internal/storage"
	"github.com/nexusmcp/orchestrator/pkg/models"
)

func newTestWebhookAutomation(t *testing.T) (*models.Automation, string) {
	t.Helper()
	secret, salt, hash, err := NewWebhookSecret()
	if err != nil {
		t.Fatalf("NewWebhookSecret: %v", err)
	}
	a := &models.Automation{
		ID:      "aut_1",
		Name:    "test automation",
		Enabled: true,
		Triggers: []models.Trigger{{
			ID:                "trg_1",
			AutomationID:      "aut_1",
			Type:              models.TriggerWebhook,
			Healthy:           true,
			WebhookSecretHash: hash,
			WebhookSecretSalt: salt,
		}},
	}
	return a, secret
}

func newTestWebhookHandler(t *testing.T, automation *models.Automation) *WebhookHandler {
	t.Helper()
	store := storage.NewMemoryAutomationStore()
	if err := store.Create(t.Context(), automation); err != nil {
		t.Fatalf("Create automation: %v", err)
	}
	executor := NewExecutor(Deps{Store: storage.NewMemoryExecutionStore()})
	return NewWebhookHandler(WebhookHandlerDeps{Automations: store, Executor: executor})
}

func postWebhook(h *WebhookHandler, secret, body, deliveryID string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/aut_1/trg_1", strings.NewReader(body))
	if secret != "" {
		req.Header.Set("X-Webhook-Signature", secret)
	}
	if deliveryID != "" {
		req.Header.Set("X-Webhook-Delivery-Id", deliveryID)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestWebhookHandler_ValidSignatureIsAccepted(t *testing.T) {
	automation, secret := newTestWebhookAutomation(t)
	h := newTestWebhookHandler(t, automation)

	rec := postWebhook(h, secret, `{"foo":"bar"}`, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookHandler_InvalidSignatureIsRejected(t *testing.T) {
	automation, _ := newTestWebhookAutomation(t)
	h := newTestWebhookHandler(t, automation)

	rec := postWebhook(h, "wrong-secret", `{}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWebhookHandler_DisabledAutomationIsRejected(t *testing.T) {
	automation, secret := newTestWebhookAutomation(t)
	automation.Enabled = false
	h := newTestWebhookHandler(t, automation)

	rec := postWebhook(h, secret, `{}`, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestWebhookHandler_UnhealthyTriggerIsRejected(t *testing.T) {
	automation, secret := newTestWebhookAutomation(t)
	automation.Triggers[0].Healthy = false
	h := newTestWebhookHandler(t, automation)

	rec := postWebhook(h, secret, `{}`, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestWebhookHandler_DuplicateDeliveryIsIgnoredOnceSeen(t *testing.T) {
	automation, secret := newTestWebhookAutomation(t)
	h := newTestWebhookHandler(t, automation)

	first := postWebhook(h, secret, `{}`, "delivery-1")
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected first delivery accepted, got %d", first.Code)
	}

	second := postWebhook(h, secret, `{}`, "delivery-1")
	if second.Code != http.StatusAccepted {
		t.Fatalf("expected duplicate delivery to still 202, got %d", second.Code)
	}

	// Give the (only once, since the duplicate is short-circuited before
	// dispatch) background run a moment to land so a slow CI run doesn't
	// race the test process exit.
	time.Sleep(10 * time.Millisecond)
}

func TestWebhookHandler_UnknownTriggerIs404(t *testing.T) {
	automation, secret := newTestWebhookAutomation(t)
	store := storage.NewMemoryAutomationStore()
	store.Create(t.Context(), automation)
	executor := NewExecutor(Deps{Store: storage.NewMemoryExecutionStore()})
	h := NewWebhookHandler(WebhookHandlerDeps{Automations: store, Executor: executor})

	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/aut_1/no-such-trigger", strings.NewReader("{}"))
	req.Header.Set("X-Webhook-Signature", secret)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
