package validation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nexusmcp/orchestrator/internal/session"
	"github.com/nexusmcp/orchestrator/internal/storage"
	"github.com/nexusmcp/orchestrator/pkg/models"
)

const weatherSchema = `{
	"type": "object",
	"properties": {"city": {"type": "string"}},
	"required": ["city"],
	"additionalProperties": false
}`

// fakeToolInvoker returns a fixed schema for a single named tool, so the
// broker's schema gate can be exercised without a real MCP server.
type fakeToolInvoker struct {
	toolName string
	schema   json.RawMessage
}

func (f fakeToolInvoker) FindTool(name string) (string, json.RawMessage, bool) {
	if name != f.toolName {
		return "", nil, false
	}
	return "server-1", f.schema, true
}

func (f fakeToolInvoker) CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any) (string, bool, error) {
	return "ok", false, nil
}

func newTestBroker(inv ToolInvoker) *Broker {
	return NewBroker(storage.NewMemoryValidationStore(), storage.NewMemoryChatStore(), session.NewManager(), WithToolInvoker(inv))
}

func TestBroker_CreateRejectsArgumentsFailingSchema(t *testing.T) {
	inv := fakeToolInvoker{toolName: "get_weather", schema: json.RawMessage(weatherSchema)}
	b := newTestBroker(inv)

	call := models.ToolCall{ID: "tc1", Name: "get_weather", Input: json.RawMessage(`{"temperature": "hot"}`)}
	_, err := b.Create(context.Background(), "chat", "check weather", "agent-1", "chat-1", call)
	if !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("expected ErrSchemaValidation, got %v", err)
	}
}

func TestBroker_CreateAcceptsValidArguments(t *testing.T) {
	inv := fakeToolInvoker{toolName: "get_weather", schema: json.RawMessage(weatherSchema)}
	b := newTestBroker(inv)

	call := models.ToolCall{ID: "tc1", Name: "get_weather", Input: json.RawMessage(`{"city": "boston"}`)}
	v, err := b.Create(context.Background(), "chat", "check weather", "agent-1", "chat-1", call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Status != models.ValidationPending {
		t.Errorf("expected pending status, got %s", v.Status)
	}
}

func TestBroker_CreateSkipsSchemaForUnknownTool(t *testing.T) {
	inv := fakeToolInvoker{toolName: "get_weather", schema: json.RawMessage(weatherSchema)}
	b := newTestBroker(inv)

	call := models.ToolCall{ID: "tc1", Name: "some_other_tool", Input: json.RawMessage(`{"anything": true}`)}
	if _, err := b.Create(context.Background(), "chat", "anything", "agent-1", "chat-1", call); err != nil {
		t.Fatalf("expected no schema error for a tool with no declared schema, got %v", err)
	}
}

func TestValidateToolCallSchema_MalformedJSONIsRejected(t *testing.T) {
	call := models.ToolCall{Input: json.RawMessage(`{not json`)}
	err := validateToolCallSchema(json.RawMessage(weatherSchema), call)
	if !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("expected ErrSchemaValidation for malformed JSON, got %v", err)
	}
}

func TestValidateToolCallSchema_NoSchemaAlwaysPasses(t *testing.T) {
	call := models.ToolCall{Input: json.RawMessage(`{"anything": 1}`)}
	if err := validateToolCallSchema(nil, call); err != nil {
		t.Fatalf("expected no error with no declared schema, got %v", err)
	}
}
