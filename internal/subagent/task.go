package subagent

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of one background task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func isTerminalStatus(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Stats is the per-task execution accounting.
type Stats struct {
	Steps        int   `json:"steps"`
	ToolCalls    int   `json:"tool_calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Task is one background unit of work. Status moves forward only; once a
// task is terminal no further transition is accepted.
type Task struct {
	id          string
	role        string
	label       string
	instruction string
	createdAt   int64

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	mu        sync.Mutex
	status    Status
	result    string
	errMsg    string
	startedAt int64
	endedAt   int64
	stats     Stats
}

func newTask(parent context.Context, id string, role string, label string, instruction string, timeout time.Duration) *Task {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	return &Task{
		id:          id,
		role:        role,
		label:       strings.TrimSpace(label),
		instruction: strings.TrimSpace(instruction),
		createdAt:   time.Now().UnixMilli(),
		ctx:         ctx,
		cancel:      cancel,
		doneCh:      make(chan struct{}),
		status:      StatusPending,
	}
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// Done is closed when the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} { return t.doneCh }

// markRunning records the start time. It is a no-op if the task is already
// terminal (a racing cancel may land first).
func (t *Task) markRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return false
	}
	t.status = StatusRunning
	t.startedAt = time.Now().UnixMilli()
	return true
}

// finish records the terminal outcome. The first terminal transition wins;
// later calls report false and change nothing.
func (t *Task) finish(status Status, result string, errMsg string) bool {
	if !isTerminalStatus(status) {
		return false
	}
	t.mu.Lock()
	if isTerminalStatus(t.status) {
		t.mu.Unlock()
		return false
	}
	t.status = status
	t.result = strings.TrimSpace(result)
	t.errMsg = strings.TrimSpace(errMsg)
	t.endedAt = time.Now().UnixMilli()
	t.mu.Unlock()
	t.cancel()
	close(t.doneCh)
	return true
}

func (t *Task) addStats(delta Stats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Steps += delta.Steps
	t.stats.ToolCalls += delta.ToolCalls
	t.stats.InputTokens += delta.InputTokens
	t.stats.OutputTokens += delta.OutputTokens
}

// Snapshot is a point-in-time copy of task state, safe to hand out.
type Snapshot struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	// Label is display-only; collisions are allowed.
	Label       string `json:"label,omitempty"`
	Instruction string `json:"instruction"`
	Status      Status `json:"status"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	StartedAt   int64  `json:"started_at,omitempty"`
	EndedAt     int64  `json:"ended_at,omitempty"`
	Stats       Stats  `json:"stats"`
}

// Terminal reports whether the snapshot status is final.
func (s Snapshot) Terminal() bool { return isTerminalStatus(s.Status) }

func (t *Task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:          t.id,
		Role:        t.role,
		Label:       t.label,
		Instruction: t.instruction,
		Status:      t.status,
		Result:      t.result,
		Error:       t.errMsg,
		CreatedAt:   t.createdAt,
		StartedAt:   t.startedAt,
		EndedAt:     t.endedAt,
		Stats:       t.stats,
	}
}
