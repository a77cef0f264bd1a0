// Package policy resolves tool-name patterns (allow/deny/require-approval
// lists) against a canonical tool name, so the same pattern syntax works
// whether a name comes from a direct tool registration or an MCP bridge's
// "mcp:<server>:<tool>" naming.
package policy

import "strings"

// Policy names tools an agent or automation step may call and how.
type Policy struct {
	Allowlist       []string `json:"allowlist,omitempty" yaml:"allowlist,omitempty"`
	Denylist        []string `json:"denylist,omitempty" yaml:"denylist,omitempty"`
	RequireApproval []string `json:"require_approval,omitempty" yaml:"require_approval,omitempty"`
}

// Resolver canonicalizes tool names before pattern matching. The zero
// value is ready to use.
type Resolver struct {
	// Aliases maps a raw tool name to its canonical form, e.g. collapsing
	// a safe-truncated MCP bridge name back to "mcp:<server>:<tool>".
	Aliases map[string]string
}

// NormalizeTool lowercases and trims a tool name for pattern comparison.
func NormalizeTool(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// CanonicalName resolves name through the resolver's alias table, falling
// back to NormalizeTool when no alias is registered.
func (r *Resolver) CanonicalName(name string) string {
	if r == nil {
		return NormalizeTool(name)
	}
	if canon, ok := r.Aliases[name]; ok {
		return NormalizeTool(canon)
	}
	return NormalizeTool(name)
}

// IsAllowed reports whether toolName passes p: denylist wins over
// allowlist, and an empty allowlist means "no restriction".
func (r *Resolver) IsAllowed(p *Policy, toolName string) bool {
	if p == nil {
		return true
	}
	name := r.CanonicalName(toolName)
	for _, pattern := range p.Denylist {
		if matches(r.CanonicalName(pattern), name) {
			return false
		}
	}
	if len(p.Allowlist) == 0 {
		return true
	}
	for _, pattern := range p.Allowlist {
		if matches(r.CanonicalName(pattern), name) {
			return true
		}
	}
	return false
}

func matches(pattern, name string) bool {
	if pattern == "" || name == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(name, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}
