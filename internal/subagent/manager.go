// Package subagent runs bounded background tasks for the conversation loop.
package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nimbleworks/relay-agent/internal/llm"
	"github.com/nimbleworks/relay-agent/internal/tools"
)

const (
	defaultMaxParallel = 3
	defaultMaxSteps    = 15
	defaultTimeout     = 5 * time.Minute
)

// Options configure a Manager. Provider and BaseTools are required.
type Options struct {
	Logger    *slog.Logger
	Provider  llm.Provider
	BaseTools *tools.Registry
	Bus       *Bus
	Model     string
	// MaxParallel caps concurrently live tasks. Zero means the default of 3.
	MaxParallel int
	// MaxSteps is the per-task model-turn budget when the role preset does
	// not set one. Zero means the default of 15.
	MaxSteps int
	// Timeout is the per-task wall clock budget when the role preset does
	// not set one. Zero means the default of 5 minutes.
	Timeout time.Duration
	Presets map[string]RolePreset
}

// Manager owns the background task set: admission under the parallel cap,
// isolated execution, status queries, and lifecycle events on the bus.
type Manager struct {
	logger      *slog.Logger
	provider    llm.Provider
	base        *tools.Registry
	bus         *Bus
	model       string
	maxParallel int
	maxSteps    int
	timeout     time.Duration
	presets     map[string]RolePreset
	sem         *semaphore.Weighted

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*Task
	order  []string
	closed bool
}

// SpawnRequest asks for one background task. Label is optional display
// text; collisions are allowed.
type SpawnRequest struct {
	Instruction string
	Label       string
	Role        string
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Provider == nil {
		return nil, errors.New("provider required")
	}
	if opts.BaseTools == nil {
		return nil, errors.New("base tool registry required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("model required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = NewBus()
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	presets := opts.Presets
	if len(presets) == 0 {
		presets = DefaultPresets()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:      logger,
		provider:    opts.Provider,
		base:        opts.BaseTools,
		bus:         bus,
		model:       strings.TrimSpace(opts.Model),
		maxParallel: maxParallel,
		maxSteps:    maxSteps,
		timeout:     timeout,
		presets:     presets,
		sem:         semaphore.NewWeighted(int64(maxParallel)),
		runCtx:      ctx,
		runCancel:   cancel,
		tasks:       make(map[string]*Task),
	}, nil
}

// Bus exposes the lifecycle event bus for subscription.
func (m *Manager) Bus() *Bus { return m.bus }

// Spawn admits and starts one background task, returning its id. Admission
// is a single semaphore try-acquire, so concurrent spawns can never
// overshoot the cap.
func (m *Manager) Spawn(req SpawnRequest) (string, error) {
	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		return "", fmt.Errorf("%w: instruction required", ErrInvalidTask)
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = RoleWorker
	}
	preset, ok := m.presets[role]
	if !ok {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidTask, role)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	if !m.sem.TryAcquire(1) {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %d tasks already running", ErrConcurrencyLimit, m.maxParallel)
	}

	id := uuid.NewString()
	timeout := m.timeout
	if preset.TimeoutSec > 0 {
		timeout = time.Duration(preset.TimeoutSec) * time.Second
	}
	task := newTask(m.runCtx, id, role, req.Label, instruction, timeout)
	m.tasks[id] = task
	m.order = append(m.order, id)
	m.wg.Add(1)
	m.mu.Unlock()

	ic := NewIsolatedContext(m.base, preset, id, role, instruction)
	ic.Model = m.model
	ic.MaxSteps = m.maxSteps
	if preset.MaxSteps > 0 {
		ic.MaxSteps = preset.MaxSteps
	}

	m.bus.Publish(Event{
		Kind:        EventStarted,
		TaskID:      id,
		Role:        role,
		Label:       strings.TrimSpace(req.Label),
		Instruction: instruction,
	})
	m.logger.Info("task spawned", "task_id", id, "role", role, "label", strings.TrimSpace(req.Label))

	go m.runTask(task, ic)
	return id, nil
}

func (m *Manager) runTask(task *Task, ic IsolatedContext) {
	defer m.wg.Done()
	defer m.sem.Release(1)

	if !task.markRunning() {
		// Cancelled before the worker started; the cancel path already
		// published the terminal event.
		return
	}

	w := &worker{provider: m.provider, logger: m.logger, ic: ic, task: task}
	summary, err := w.run(task.ctx)

	switch {
	case err == nil:
		if task.finish(StatusCompleted, summary, "") {
			m.publishTerminal(task)
		}
	case errors.Is(err, context.DeadlineExceeded):
		if task.finish(StatusFailed, "", "task timed out") {
			m.publishTerminal(task)
		}
	case errors.Is(err, context.Canceled):
		// Cancel already finished the task and published.
		task.finish(StatusCancelled, "", "task cancelled")
	default:
		if task.finish(StatusFailed, "", err.Error()) {
			m.publishTerminal(task)
		}
	}

	snap := task.snapshot()
	m.logger.Info("task finished",
		"task_id", snap.ID, "status", string(snap.Status),
		"steps", snap.Stats.Steps, "tool_calls", snap.Stats.ToolCalls)
}

// publishTerminal emits the terminal bus event for a finished task.
// Cancelled tasks surface as failures so every ending reaches the
// announcement path the same way.
func (m *Manager) publishTerminal(task *Task) {
	snap := task.snapshot()
	e := Event{
		TaskID:      snap.ID,
		Role:        snap.Role,
		Label:       snap.Label,
		Instruction: snap.Instruction,
		At:          snap.EndedAt,
	}
	switch snap.Status {
	case StatusCompleted:
		e.Kind = EventCompleted
		e.Result = snap.Result
	case StatusFailed, StatusCancelled:
		e.Kind = EventFailed
		e.Error = snap.Error
		if e.Error == "" {
			e.Error = "task failed"
		}
	default:
		return
	}
	m.bus.Publish(e)
}

// GetStatus returns a snapshot of the named task.
func (m *Manager) GetStatus(id string) (Snapshot, error) {
	m.mu.Lock()
	task, ok := m.tasks[strings.TrimSpace(id)]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownTask, strings.TrimSpace(id))
	}
	return task.snapshot(), nil
}

// List returns snapshots of every known task in spawn order.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.order))
	for _, id := range m.order {
		if task, ok := m.tasks[id]; ok {
			tasks = append(tasks, task)
		}
	}
	m.mu.Unlock()
	out := make([]Snapshot, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.snapshot())
	}
	return out
}

// ListActive returns snapshots of tasks that have not reached a terminal
// status, in spawn order.
func (m *Manager) ListActive() []Snapshot {
	all := m.List()
	out := make([]Snapshot, 0, len(all))
	for _, snap := range all {
		if !snap.Terminal() {
			out = append(out, snap)
		}
	}
	return out
}

// Cancel stops the named task. Cancelling an already-terminal task is a
// no-op; unknown ids are an error.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[strings.TrimSpace(id)]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, strings.TrimSpace(id))
	}
	if task.finish(StatusCancelled, "", "task cancelled") {
		m.publishTerminal(task)
		m.logger.Info("task cancelled", "task_id", task.ID())
	}
	return nil
}

// CancelAll cancels every live task and reports how many were stopped.
func (m *Manager) CancelAll() int {
	count := 0
	for _, snap := range m.ListActive() {
		if err := m.Cancel(snap.ID); err == nil {
			count++
		}
	}
	return count
}

// PruneTerminal drops terminal tasks from the index, except ids the caller
// still needs (typically tasks with undelivered announcements). It returns
// the number of tasks removed.
func (m *Manager) PruneTerminal(keep map[string]bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	kept := m.order[:0]
	for _, id := range m.order {
		task, ok := m.tasks[id]
		if !ok {
			continue
		}
		snap := task.snapshot()
		if snap.Terminal() && !keep[id] {
			delete(m.tasks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return removed
}

// Close cancels every task and waits for workers to drain, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.CancelAll()
	m.runCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close manager: %w", ctx.Err())
	}
}

// RegisterTaskTools adds the task.* tool surface to a registry. All of
// them are marked as spawners so isolated task registries strip the whole
// group and workers can never manage tasks.
func (m *Manager) RegisterTaskTools(r *tools.Registry) error {
	list := []tools.Tool{
		{
			Name:        "task.spawn",
			Description: "Start a background task. Roles: explore, worker, reviewer.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"instruction":{"type":"string"},"label":{"type":"string","description":"Short display name for the task."},"role":{"type":"string","description":"Task role, default worker."}},"required":["instruction"]}`),
			Spawner:     true,
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				id, err := m.Spawn(SpawnRequest{
					Instruction: argString(args, "instruction"),
					Label:       argString(args, "label"),
					Role:        argString(args, "role"),
				})
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("spawned task %s", id), nil
			},
		},
		{
			Name:        "task.status",
			Description: "Get the status of a background task by id.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"task_id":{"type":"string"}},"required":["task_id"]}`),
			Spawner:     true,
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				snap, err := m.GetStatus(argString(args, "task_id"))
				if err != nil {
					return "", err
				}
				return marshalSnapshot(snap)
			},
		},
		{
			Name:        "task.list",
			Description: "List background tasks that are still pending or running.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			Spawner:     true,
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				active := m.ListActive()
				if len(active) == 0 {
					return "no active tasks", nil
				}
				b, err := json.MarshalIndent(active, "", "  ")
				if err != nil {
					return "", err
				}
				return string(b), nil
			},
		},
		{
			Name:        "task.cancel",
			Description: "Cancel a background task by id.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"task_id":{"type":"string"}},"required":["task_id"]}`),
			Spawner:     true,
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				id := argString(args, "task_id")
				if err := m.Cancel(id); err != nil {
					return "", err
				}
				return fmt.Sprintf("cancelled task %s", id), nil
			},
		},
	}
	for _, t := range list {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func argString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func marshalSnapshot(snap Snapshot) (string, error) {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
