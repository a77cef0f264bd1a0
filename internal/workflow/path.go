// Package workflow implements the automation step interpreter: template
// resolution, safe boolean expression evaluation, and the ordered step
// dispatcher that drives an Automation's MCP/AI/internal-tool/control-flow
// steps.
package workflow

import (
	"strconv"
	"strings"
)

// GetNestedValue navigates a dot-path into data, indexing into slices with
// integer path components. It returns nil if any segment is missing,
// out of range, or not navigable — it never panics or errors.
func GetNestedValue(data any, path string) any {
	path = strings.TrimSpace(path)
	if path == "" {
		return data
	}
	cur := data
	for _, part := range strings.Split(path, ".") {
		if cur == nil {
			return nil
		}
		switch v := cur.(type) {
		case map[string]any:
			cur = v[part]
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			cur = v[idx]
		default:
			return nil
		}
	}
	return cur
}
