package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexusmcp/orchestrator/internal/session"
	"github.com/nexusmcp/orchestrator/internal/storage"
	"github.com/nexusmcp/orchestrator/pkg/models"
)

func newPendingValidation(t *testing.T, b *Broker) *models.Validation {
	t.Helper()
	v, err := b.Create(t.Context(), "chat", "do a thing", "agent-1", "chat-1", models.ToolCall{ID: "tc1", Name: "noop"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return v
}

func TestBroker_PendingReachesEveryDirectTransition(t *testing.T) {
	cases := []struct {
		name   string
		apply  func(b *Broker, id string) (*models.Validation, error)
		status models.ValidationStatus
	}{
		{"approve", func(b *Broker, id string) (*models.Validation, error) { return b.Approve(t.Context(), id, "user-1") }, models.ValidationApproved},
		{"reject", func(b *Broker, id string) (*models.Validation, error) { return b.Reject(t.Context(), id, "user-1") }, models.ValidationRejected},
		{"cancel", func(b *Broker, id string) (*models.Validation, error) { return b.Cancel(t.Context(), id, "user-1") }, models.ValidationCancelled},
		{"feedback", func(b *Broker, id string) (*models.Validation, error) { return b.Feedback(t.Context(), id, "user-1", "try again") }, models.ValidationFeedback},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := newTestBroker(nil)
			v := newPendingValidation(t, b)

			got, err := c.apply(b, v.ID)
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", c.name, err)
			}
			if got.Status != c.status {
				t.Errorf("expected status %s, got %s", c.status, got.Status)
			}
			if got.DecidedBy != "user-1" {
				t.Errorf("expected DecidedBy user-1, got %q", got.DecidedBy)
			}
			if got.DecidedAt == nil {
				t.Error("expected DecidedAt to be set")
			}
		})
	}
}

func TestBroker_FeedbackCanStillBeDecided(t *testing.T) {
	cases := []struct {
		name   string
		apply  func(b *Broker, id string) (*models.Validation, error)
		status models.ValidationStatus
	}{
		{"approve", func(b *Broker, id string) (*models.Validation, error) { return b.Approve(t.Context(), id, "user-1") }, models.ValidationApproved},
		{"reject", func(b *Broker, id string) (*models.Validation, error) { return b.Reject(t.Context(), id, "user-1") }, models.ValidationRejected},
		{"cancel", func(b *Broker, id string) (*models.Validation, error) { return b.Cancel(t.Context(), id, "user-1") }, models.ValidationCancelled},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := newTestBroker(nil)
			v := newPendingValidation(t, b)
			if _, err := b.Feedback(t.Context(), v.ID, "user-1", "needs more detail"); err != nil {
				t.Fatalf("Feedback: %v", err)
			}

			got, err := c.apply(b, v.ID)
			if err != nil {
				t.Fatalf("%s after feedback: unexpected error: %v", c.name, err)
			}
			if got.Status != c.status {
				t.Errorf("expected status %s, got %s", c.status, got.Status)
			}
		})
	}
}

func TestBroker_TerminalStatusRejectsFurtherTransitions(t *testing.T) {
	b := newTestBroker(nil)
	v := newPendingValidation(t, b)

	if _, err := b.Approve(t.Context(), v.ID, "user-1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if _, err := b.Transition(t.Context(), v.ID, models.ValidationRejected, "user-2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition out of a terminal state, got %v", err)
	}
}

func TestBroker_FeedbackCannotLoopBackToItself(t *testing.T) {
	b := newTestBroker(nil)
	v := newPendingValidation(t, b)

	if _, err := b.Feedback(t.Context(), v.ID, "user-1", "first round"); err != nil {
		t.Fatalf("Feedback: %v", err)
	}

	if _, err := b.Transition(t.Context(), v.ID, models.ValidationFeedback, "user-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for feedback -> feedback, got %v", err)
	}
}

func TestBroker_SweepExpiredCancelsPastDeadline(t *testing.T) {
	store := storage.NewMemoryValidationStore()
	b := NewBroker(store, storage.NewMemoryChatStore(), session.NewManager())
	v := newPendingValidation(t, b)

	v.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.Update(t.Context(), v); err != nil {
		t.Fatalf("Update: %v", err)
	}

	n, err := b.SweepExpired(t.Context())
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired validation, got %d", n)
	}

	got, err := b.Get(t.Context(), v.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.ValidationCancelled {
		t.Errorf("expected cancelled status, got %s", got.Status)
	}
	if got.DecidedBy != "system:expiry" {
		t.Errorf("expected DecidedBy system:expiry, got %q", got.DecidedBy)
	}
}

func TestBroker_ApproveFallsBackToContinuationWhenSessionEvicted(t *testing.T) {
	chats := storage.NewMemoryChatStore()
	if err := chats.Create(t.Context(), &models.Chat{ID: "chat-1", IsGenerating: true}); err != nil {
		t.Fatalf("Create chat: %v", err)
	}

	done := make(chan session.ValidationResult, 1)
	b := NewBroker(storage.NewMemoryValidationStore(), chats, session.NewManager(),
		WithContinuation(func(ctx context.Context, chatID string, result session.ValidationResult) {
			done <- result
		}),
	)
	v := newPendingValidation(t, b)

	if _, err := b.Approve(t.Context(), v.ID, "user-1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	select {
	case result := <-done:
		if result.ValidationID != v.ID || result.Action != "approved" {
			t.Errorf("unexpected continuation result: %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("continuation was not invoked")
	}
}

func TestBroker_ApproveSkipsContinuationWhenChatNotGenerating(t *testing.T) {
	chats := storage.NewMemoryChatStore()
	if err := chats.Create(t.Context(), &models.Chat{ID: "chat-1", IsGenerating: false}); err != nil {
		t.Fatalf("Create chat: %v", err)
	}

	called := false
	b := NewBroker(storage.NewMemoryValidationStore(), chats, session.NewManager(),
		WithContinuation(func(ctx context.Context, chatID string, result session.ValidationResult) {
			called = true
		}),
	)
	v := newPendingValidation(t, b)

	if _, err := b.Approve(t.Context(), v.ID, "user-1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if called {
		t.Error("continuation should not fire once chat has stopped generating")
	}
}

func TestBroker_SweepExpiredLeavesFreshPendingAlone(t *testing.T) {
	b := newTestBroker(nil)
	v := newPendingValidation(t, b)

	n, err := b.SweepExpired(t.Context())
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 expired validations, got %d", n)
	}

	got, err := b.Get(t.Context(), v.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.ValidationPending {
		t.Errorf("expected validation to remain pending, got %s", got.Status)
	}
}
