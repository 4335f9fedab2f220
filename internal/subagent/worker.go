package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nimbleworks/relay-agent/internal/llm"
)

// errStepBudget ends a run that used every allowed model turn without
// producing a final answer.
var errStepBudget = errors.New("step budget exhausted")

// worker drives one isolated task conversation to completion.
type worker struct {
	provider llm.Provider
	logger   *slog.Logger
	ic       IsolatedContext
	task     *Task
}

// run executes the iteration loop and returns the final summary text.
// Every failure mode surfaces as an error here; the manager turns it into
// a failed task, it never propagates further.
func (w *worker) run(ctx context.Context) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("task worker panicked", "task_id", w.ic.TaskID, "panic", fmt.Sprint(r))
			summary = ""
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	messages := w.ic.Messages
	defs := w.ic.Registry.Defs()
	for step := 1; step <= w.ic.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		result, err := w.provider.Complete(ctx, llm.TurnRequest{
			Model:    w.ic.Model,
			Messages: messages,
			Tools:    defs,
		})
		if err != nil {
			return "", fmt.Errorf("model turn %d: %w", step, err)
		}
		w.task.addStats(Stats{
			Steps:        1,
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
		})

		if len(result.ToolCalls) == 0 {
			text := strings.TrimSpace(result.Text)
			if text == "" {
				text = "(no summary produced)"
			}
			return text, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Text:      result.Text,
			ToolCalls: result.ToolCalls,
		})
		for _, call := range result.ToolCalls {
			out, toolErr := w.ic.Registry.Execute(ctx, call.Name, call.Args)
			if toolErr != nil {
				// Tool failures go back to the model as text so it can
				// adjust; only context cancellation aborts the run.
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				out = "error: " + toolErr.Error()
			}
			w.task.addStats(Stats{ToolCalls: 1})
			w.logger.Debug("task tool call",
				"task_id", w.ic.TaskID, "tool", call.Name, "error", toolErr != nil)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Text:       out,
			})
		}
	}
	return "", fmt.Errorf("%w after %d steps", errStepBudget, w.ic.MaxSteps)
}
