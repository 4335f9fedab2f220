package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nimbleworks/relay-agent/internal/llm"
)

// maxToolResultRunes caps what a single tool call can feed back to the model.
const maxToolResultRunes = 24_000

// Registry holds the tool set offered to one conversation. Derived
// registries (allowlists, spawner-stripped copies) share the underlying
// Tool values but never the map, so mutations stay local.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool. Empty names and nil handlers are rejected.
func (r *Registry) Register(t Tool) error {
	if r == nil {
		return fmt.Errorf("nil registry")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("tool name required")
	}
	if t.Run == nil {
		return fmt.Errorf("tool %q has no handler", name)
	}
	t.Name = name
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = t
	return nil
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.TrimSpace(name)]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Defs converts the registry into provider tool definitions, sorted by name.
func (r *Registry) Defs() []llm.ToolDef {
	if r == nil {
		return nil
	}
	names := r.Names()
	out := make([]llm.ToolDef, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		t := r.tools[name]
		out = append(out, llm.ToolDef{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

// WithAllowlist returns a copy restricted to the named tools. Unknown names
// are ignored. An empty allowlist keeps everything.
func (r *Registry) WithAllowlist(names []string) *Registry {
	if r == nil {
		return NewRegistry()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry()
	if len(names) == 0 {
		for name, t := range r.tools {
			out.tools[name] = t
		}
		return out
	}
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if t, ok := r.tools[name]; ok {
			out.tools[name] = t
		}
	}
	return out
}

// WithoutSpawners returns a copy with every spawn-capable tool removed.
// Background task contexts are built from this copy.
func (r *Registry) WithoutSpawners() *Registry {
	if r == nil {
		return NewRegistry()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry()
	for name, t := range r.tools {
		if t.Spawner {
			continue
		}
		out.tools[name] = t
	}
	return out
}

// HasSpawners reports whether any registered tool can start background tasks.
func (r *Registry) HasSpawners() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if t.Spawner {
			return true
		}
	}
	return false
}

// Execute runs the named tool. Unknown tools and handler failures come back
// as *ToolError so callers can relay a structured message to the model.
// Oversized outputs are truncated, never failed.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return "", NewToolError(ErrorCodeNotFound, "unknown tool %q", strings.TrimSpace(name))
	}
	if err := ctx.Err(); err != nil {
		return "", NewToolError(ErrorCodeCanceled, "tool %q canceled: %v", t.Name, err)
	}
	out, err := t.Run(ctx, args)
	if err != nil {
		if te, ok := err.(*ToolError); ok {
			return "", te
		}
		return "", NewToolError(ErrorCodeUnknown, "tool %q failed: %v", t.Name, err)
	}
	return truncateToolResult(out, maxToolResultRunes), nil
}

func truncateToolResult(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	omitted := len(runes) - max
	return string(runes[:max]) + fmt.Sprintf("\n[truncated %d characters]", omitted)
}
