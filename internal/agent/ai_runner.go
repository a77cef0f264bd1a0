package agent

import (
	"context"
	"fmt"

	"github.com/nexusmcp/orchestrator/internal/storage"
)

// AgentLookup resolves an agent id to the system prompt it runs with. It is
// satisfied by storage.AgentStore's Get method narrowed to the one field
// the automation engine's ai_action step needs.
type AgentLookup interface {
	SystemPrompt(ctx context.Context, agentID string) (string, error)
}

// StoreAgentLookup adapts a storage.AgentStore to AgentLookup.
type StoreAgentLookup struct {
	Store storage.AgentStore
}

// SystemPrompt fetches the agent and returns its configured system prompt.
func (s StoreAgentLookup) SystemPrompt(ctx context.Context, agentID string) (string, error) {
	a, err := s.Store.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	return a.SystemPrompt, nil
}

// Streamer is the subset of the C7 LLM Gateway's interface GatewayAIRunner
// needs: routing, circuit breaking, retry and fallback are the gateway's
// concern, not the automation engine's. Satisfied by *gateway.Gateway; kept
// as a local interface rather than importing the gateway package directly
// since gateway imports agent for the provider/tool types.
type Streamer interface {
	StreamWithTools(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, string, error)
}

// GatewayAIRunner drains a single completion call through the C7 Gateway
// into a plain string, implementing workflow.AIRunner for the automation
// engine's `(action, ai_action)` step per spec §4.9 ("run the referenced
// agent once with the resolved prompt via C7, non-streaming from the
// step's point of view").
type GatewayAIRunner struct {
	Gateway Streamer
	Agents  AgentLookup
}

// RunOnce sends prompt as the sole user message to the named agent's
// system prompt and model, returning the concatenated text of the
// response.
func (r *GatewayAIRunner) RunOnce(ctx context.Context, agentID, model, prompt string) (string, error) {
	if r.Gateway == nil {
		return "", fmt.Errorf("ai_action: no LLM gateway configured")
	}
	system := ""
	if r.Agents != nil && agentID != "" {
		var err error
		system, err = r.Agents.SystemPrompt(ctx, agentID)
		if err != nil {
			return "", fmt.Errorf("ai_action: resolve agent: %w", err)
		}
	}

	req := &CompletionRequest{
		Model:  model,
		System: system,
		Messages: []CompletionMessage{
			{Role: "user", Content: prompt},
		},
	}

	chunks, _, err := r.Gateway.StreamWithTools(ctx, req)
	if err != nil {
		return "", err
	}

	var text string
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		text += chunk.Text
		if chunk.Done {
			break
		}
	}
	return text, nil
}
