package validation

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nexusmcp/orchestrator/internal/mcp"
)

// MCPToolInvoker adapts *mcp.Manager to the Broker's ToolInvoker interface,
// flattening a ToolCallResult's content blocks into plain text the way the
// orchestrator persists tool-result messages.
type MCPToolInvoker struct {
	Manager *mcp.Manager
}

// FindTool delegates to the manager, surfacing the tool's declared input
// schema so the broker can validate arguments before opening a gate.
func (a MCPToolInvoker) FindTool(name string) (string, json.RawMessage, bool) {
	serverID, tool := a.Manager.FindTool(name)
	if tool == nil {
		return "", nil, false
	}
	return serverID, tool.InputSchema, true
}

// CallTool invokes the tool and flattens its result content into a single
// string, per the broker's {content, is_error} delivery contract.
func (a MCPToolInvoker) CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any) (string, bool, error) {
	result, err := a.Manager.CallTool(ctx, serverID, toolName, arguments)
	if err != nil {
		return "", true, err
	}
	var b strings.Builder
	for i, part := range result.Content {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(part.Text)
	}
	return b.String(), result.IsError, nil
}
