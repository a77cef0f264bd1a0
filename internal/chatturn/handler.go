package chatturn

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nexusmcp/orchestrator/pkg/models"
)

// HandlerDeps wires the chat turn HTTP/SSE endpoint.
type HandlerDeps struct {
	Orchestrator *Orchestrator
	Logger       *slog.Logger
}

// Handler serves POST /chats/{chatID}/messages: the single entry point for
// a user message described by spec §4.12, streamed back to the caller as
// Server-Sent Events per spec §6's wire protocol.
type Handler struct {
	orch   *Orchestrator
	logger *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(deps HandlerDeps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "chatturn-handler")
	}
	return &Handler{orch: deps.Orchestrator, logger: logger}
}

// Register mounts the chat route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /chats/{chatID}/messages", h.handle)
}

type sendMessageBody struct {
	Content     string              `json:"content"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")

	var body sendMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "body must be a JSON object with a content field", http.StatusBadRequest)
		return
	}
	if body.Content == "" && len(body.Attachments) == 0 {
		http.Error(w, "content or attachments required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emitter := &sseEmitter{w: w, flusher: flusher}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := h.orch.Start(r.Context(), chatID, body.Content, body.Attachments, emitter); err != nil {
			h.logger.Error("chat turn start failed", "chat_id", chatID, "error", err)
			emitter.Emit("error", map[string]any{"message": err.Error()})
		}
	}()

	select {
	case <-done:
	case <-r.Context().Done():
		h.orch.deps.Sessions.MarkDisconnected(chatID)
		<-done
	}
}

// sseEmitter implements Emitter by writing spec §6's exact SSE framing:
// "event: <type>\ndata: <json>\n\n", flushed after every event so a
// connected client sees chunks as they arrive.
type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// Emit implements Emitter.
func (e *sseEmitter) Emit(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"message":%q}`, err.Error()))
	}
	fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, raw)
	e.flusher.Flush()
}
