package subagent

import (
	"fmt"
	"strings"

	"github.com/nimbleworks/relay-agent/internal/llm"
	"github.com/nimbleworks/relay-agent/internal/tools"
)

// IsolatedContext is the private execution environment for one task: its
// own tool registry with every spawn-capable tool removed, a private
// conversation seeded only from the instruction, and the model-turn
// budget. The wall-clock budget lives on the task's context.
type IsolatedContext struct {
	TaskID   string
	Role     string
	Registry *tools.Registry
	Messages []llm.Message
	MaxSteps int
	Model    string
}

// NewIsolatedContext derives a task environment from the base registry and
// a role preset. The worker never inherits the parent conversation and can
// never reach a tool that spawns tasks, regardless of what the preset
// allowlist names.
func NewIsolatedContext(base *tools.Registry, preset RolePreset, taskID string, role string, instruction string) IsolatedContext {
	reg := base.WithAllowlist(preset.Tools).WithoutSpawners()
	if strings.EqualFold(strings.TrimSpace(preset.Mode), "readonly") {
		reg = withoutMutating(reg)
	}
	return IsolatedContext{
		TaskID:   taskID,
		Role:     role,
		Registry: reg,
		Messages: seedMessages(reg, preset, role, instruction),
	}
}

func withoutMutating(reg *tools.Registry) *tools.Registry {
	keep := make([]string, 0)
	for _, name := range reg.Names() {
		if t, ok := reg.Lookup(name); ok && !t.Mutating {
			keep = append(keep, name)
		}
	}
	if len(keep) == 0 {
		// WithAllowlist(nil) keeps everything; an explicit empty registry
		// needs an allowlist that matches nothing.
		return tools.NewRegistry()
	}
	return reg.WithAllowlist(keep)
}

func seedMessages(reg *tools.Registry, preset RolePreset, role string, instruction string) []llm.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are a background %s task inside a coding assistant. ", role)
	sb.WriteString("Work only on the task below. When you are done, reply with a short plain-text summary of the outcome; that summary is your final result.")
	if prompt := strings.TrimSpace(preset.Prompt); prompt != "" {
		sb.WriteString("\n\n" + prompt)
	}
	if names := reg.Names(); len(names) > 0 {
		sb.WriteString("\n\nAvailable tools: " + strings.Join(names, ", ") + ".")
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Text: sb.String()},
		{Role: llm.RoleUser, Text: strings.TrimSpace(instruction)},
	}
}
