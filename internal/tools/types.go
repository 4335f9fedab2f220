// Package tools provides the executable tool registry offered to model turns.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorCode is a stable, machine-readable tool error code.
type ErrorCode string

const (
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodeInvalidArgs      ErrorCode = "INVALID_ARGS"
	ErrorCodeInvalidPath      ErrorCode = "INVALID_PATH"
	ErrorCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrorCodeTimeout          ErrorCode = "TIMEOUT"
	ErrorCodeCanceled         ErrorCode = "CANCELED"
	ErrorCodeUnknown          ErrorCode = "UNKNOWN"
)

// ToolError carries structured tool failure metadata back to the model.
type ToolError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// Retryable hints that the same call may succeed if repeated.
	Retryable bool `json:"retryable,omitempty"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return "tool error"
	}
	code := e.Code
	if code == "" {
		code = ErrorCodeUnknown
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "tool failed"
	}
	return fmt.Sprintf("%s: %s", code, msg)
}

// NewToolError builds a normalized ToolError.
func NewToolError(code ErrorCode, format string, args ...any) *ToolError {
	if code == "" {
		code = ErrorCodeUnknown
	}
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Handler executes one tool call and returns the text fed back to the model.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one executable capability exposed to the model.
type Tool struct {
	Name        string
	Description string
	// InputSchema is a JSON Schema object describing the arguments.
	InputSchema json.RawMessage
	// Mutating marks tools that can change workspace state.
	Mutating bool
	// Spawner marks tools that can start new background tasks. Isolated
	// task registries strip these so a worker can never spawn workers.
	Spawner bool
	Run     Handler
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func intArg(args map[string]any, key string, fallback int) int {
	if args == nil {
		return fallback
	}
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}
