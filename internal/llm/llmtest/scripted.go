// Package llmtest provides a scripted model backend for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/nimbleworks/relay-agent/internal/llm"
)

// Step is one scripted assistant turn. Err takes precedence over Result.
type Step struct {
	Result llm.TurnResult
	Err    error
}

// Scripted replays a fixed sequence of turns. Each Complete call consumes
// the next step; calls past the end return an error. Safe for concurrent use.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	next     int
	requests []llm.TurnRequest
}

// NewScripted builds a provider that yields the given steps in order.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Text returns a step whose turn is plain assistant text.
func Text(text string) Step {
	return Step{Result: llm.TurnResult{Text: text, FinishReason: "stop"}}
}

// Calls returns a step whose turn requests the given tool calls.
func Calls(calls ...llm.ToolCall) Step {
	return Step{Result: llm.TurnResult{ToolCalls: calls, FinishReason: "tool_calls"}}
}

// Fail returns a step that errors out of Complete.
func Fail(err error) Step {
	return Step{Err: err}
}

func (s *Scripted) Complete(ctx context.Context, req llm.TurnRequest) (llm.TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return llm.TurnResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.next >= len(s.steps) {
		return llm.TurnResult{}, errors.New("scripted provider exhausted")
	}
	step := s.steps[s.next]
	s.next++
	if step.Err != nil {
		return llm.TurnResult{}, step.Err
	}
	return step.Result, nil
}

// Requests returns a copy of every TurnRequest seen so far.
func (s *Scripted) Requests() []llm.TurnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.TurnRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// CallCount reports how many Complete calls were made.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
