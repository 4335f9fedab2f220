package subagent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nimbleworks/relay-agent/internal/llm"
	"github.com/nimbleworks/relay-agent/internal/llm/llmtest"
	"github.com/nimbleworks/relay-agent/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	if err := tools.RegisterFileTools(r, t.TempDir()); err != nil {
		t.Fatalf("register file tools: %v", err)
	}
	return r
}

func newTestManager(t *testing.T, provider llm.Provider, opts Options) *Manager {
	t.Helper()
	opts.Logger = testLogger()
	opts.Provider = provider
	if opts.BaseTools == nil {
		opts.BaseTools = testRegistry(t)
	}
	if opts.Model == "" {
		opts.Model = "test-model"
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func waitTerminal(t *testing.T, m *Manager, id string) Snapshot {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		snap, err := m.GetStatus(id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if snap.Terminal() {
			return snap
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never finished, status=%s", id, snap.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// blockingProvider parks every Complete call until released.
type blockingProvider struct {
	release chan struct{}
	once    sync.Once
}

func newBlockingProvider() *blockingProvider {
	return &blockingProvider{release: make(chan struct{})}
}

func (p *blockingProvider) Complete(ctx context.Context, req llm.TurnRequest) (llm.TurnResult, error) {
	select {
	case <-p.release:
		return llm.TurnResult{Text: "done", FinishReason: "stop"}, nil
	case <-ctx.Done():
		return llm.TurnResult{}, ctx.Err()
	}
}

func (p *blockingProvider) Release() {
	p.once.Do(func() { close(p.release) })
}

func TestSpawnRunsToCompletionAndAnnouncesOnce(t *testing.T) {
	t.Parallel()

	provider := llmtest.NewScripted(llmtest.Text("looked around, found nothing odd"))
	m := newTestManager(t, provider, Options{})
	queue := NewAnnounceQueue()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := m.Bus().Subscribe(ctx)
	go func() {
		for e := range events {
			queue.PushEvent(e)
		}
	}()

	id, err := m.Spawn(SpawnRequest{Instruction: "look around", Label: "analyzer", Role: RoleExplore})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	snap := waitTerminal(t, m, id)
	if snap.Status != StatusCompleted {
		t.Fatalf("status=%s, want=%s (error=%q)", snap.Status, StatusCompleted, snap.Error)
	}
	if snap.Result != "looked around, found nothing odd" {
		t.Fatalf("result=%q", snap.Result)
	}
	if snap.Stats.Steps != 1 {
		t.Fatalf("steps=%d, want=1", snap.Stats.Steps)
	}

	var ann Announcement
	deadline := time.After(2 * time.Second)
	for {
		var retrieveErr error
		ann, retrieveErr = queue.Retrieve()
		if retrieveErr == nil {
			break
		}
		if !errors.Is(retrieveErr, ErrNoPendingResults) {
			t.Fatalf("retrieve: %v", retrieveErr)
		}
		select {
		case <-deadline:
			t.Fatalf("announcement never arrived")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if ann.TaskID != id {
		t.Fatalf("announcement task=%s, want=%s", ann.TaskID, id)
	}
	if !strings.Contains(ann.Text, "completed") || !strings.Contains(ann.Text, "analyzer") {
		t.Fatalf("announcement text=%q", ann.Text)
	}

	// At-most-once: the announcement is gone.
	if _, err := queue.Retrieve(); !errors.Is(err, ErrNoPendingResults) {
		t.Fatalf("second retrieve err=%v, want ErrNoPendingResults", err)
	}
}

func TestSpawnRejectsEmptyInstruction(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, llmtest.NewScripted(), Options{})
	if _, err := m.Spawn(SpawnRequest{Instruction: "   "}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("err=%v, want ErrInvalidTask", err)
	}
}

func TestSpawnRejectsUnknownRole(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, llmtest.NewScripted(), Options{})
	if _, err := m.Spawn(SpawnRequest{Instruction: "x", Role: "pilot"}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("err=%v, want ErrInvalidTask", err)
	}
}

func TestConcurrencyCapAdmission(t *testing.T) {
	t.Parallel()

	provider := newBlockingProvider()
	m := newTestManager(t, provider, Options{MaxParallel: 2})

	id1, err := m.Spawn(SpawnRequest{Instruction: "one"})
	if err != nil {
		t.Fatalf("spawn 1: %v", err)
	}
	if _, err := m.Spawn(SpawnRequest{Instruction: "two"}); err != nil {
		t.Fatalf("spawn 2: %v", err)
	}

	// Third spawn is over the cap.
	if _, err := m.Spawn(SpawnRequest{Instruction: "three"}); !errors.Is(err, ErrConcurrencyLimit) {
		t.Fatalf("err=%v, want ErrConcurrencyLimit", err)
	}
	if got := len(m.ListActive()); got != 2 {
		t.Fatalf("active=%d, want=2", got)
	}

	// Capacity frees once a task finishes.
	provider.Release()
	waitTerminal(t, m, id1)
	deadline := time.After(5 * time.Second)
	for {
		if _, err := m.Spawn(SpawnRequest{Instruction: "four"}); err == nil {
			break
		} else if !errors.Is(err, ErrConcurrencyLimit) {
			t.Fatalf("spawn 4: %v", err)
		}
		select {
		case <-deadline:
			t.Fatalf("capacity never freed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWorkerErrorIsCapturedNotPropagated(t *testing.T) {
	t.Parallel()

	provider := llmtest.NewScripted(llmtest.Fail(errors.New("upstream unavailable")))
	m := newTestManager(t, provider, Options{})

	id, err := m.Spawn(SpawnRequest{Instruction: "doomed"})
	if err != nil {
		t.Fatalf("spawn returned worker error: %v", err)
	}
	snap := waitTerminal(t, m, id)
	if snap.Status != StatusFailed {
		t.Fatalf("status=%s, want=%s", snap.Status, StatusFailed)
	}
	if !strings.Contains(snap.Error, "upstream unavailable") {
		t.Fatalf("error=%q, want cause preserved", snap.Error)
	}
}

func TestStepBudgetExhaustionFailsTask(t *testing.T) {
	t.Parallel()

	// Every turn asks for another tool call, so the budget runs out.
	provider := llmtest.NewScripted(
		llmtest.Calls(llm.ToolCall{ID: "c1", Name: "fs.list_dir", Args: map[string]any{"path": "."}}),
		llmtest.Calls(llm.ToolCall{ID: "c2", Name: "fs.list_dir", Args: map[string]any{"path": "."}}),
		llmtest.Calls(llm.ToolCall{ID: "c3", Name: "fs.list_dir", Args: map[string]any{"path": "."}}),
	)
	m := newTestManager(t, provider, Options{MaxSteps: 3})

	id, err := m.Spawn(SpawnRequest{Instruction: "loop forever", Role: RoleExplore})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	snap := waitTerminal(t, m, id)
	if snap.Status != StatusFailed {
		t.Fatalf("status=%s, want=%s", snap.Status, StatusFailed)
	}
	if !strings.Contains(snap.Error, "step budget exhausted") {
		t.Fatalf("error=%q", snap.Error)
	}
	if snap.Stats.Steps != 3 || snap.Stats.ToolCalls != 3 {
		t.Fatalf("stats=%+v, want 3 steps and 3 tool calls", snap.Stats)
	}
}

func TestGetStatusUnknownTask(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, llmtest.NewScripted(), Options{})
	if _, err := m.GetStatus("nope"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("err=%v, want ErrUnknownTask", err)
	}
}

func TestCancelPublishesFailureEvent(t *testing.T) {
	t.Parallel()

	provider := newBlockingProvider()
	m := newTestManager(t, provider, Options{})

	id, err := m.Spawn(SpawnRequest{Instruction: "long haul"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := m.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	snap := waitTerminal(t, m, id)
	if snap.Status != StatusCancelled {
		t.Fatalf("status=%s, want=%s", snap.Status, StatusCancelled)
	}
	// Cancel is idempotent.
	if err := m.Cancel(id); err != nil {
		t.Fatalf("second cancel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events := m.Bus().Subscribe(ctx)
	sawFailure := false
	for e := range events {
		if e.TaskID == id && e.Kind == EventFailed {
			sawFailure = true
			if !strings.Contains(e.Error, "cancelled") {
				t.Fatalf("event error=%q", e.Error)
			}
			cancel()
		}
	}
	if !sawFailure {
		t.Fatalf("no failure event for cancelled task")
	}
}

func TestRetainedEventsDeliveredInCompletionOrder(t *testing.T) {
	t.Parallel()

	provider := llmtest.NewScripted(
		llmtest.Text("first"), llmtest.Text("second"), llmtest.Text("third"),
	)
	m := newTestManager(t, provider, Options{MaxParallel: 1})

	// No subscriber yet; run three tasks back to back.
	var ids []string
	for _, instruction := range []string{"a", "b", "c"} {
		id, err := m.Spawn(SpawnRequest{Instruction: instruction})
		if err != nil {
			t.Fatalf("spawn %q: %v", instruction, err)
		}
		waitTerminal(t, m, id)
		ids = append(ids, id)
	}

	// A late subscriber sees everything, oldest first.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events := m.Bus().Subscribe(ctx)
	var terminal []Event
	for e := range events {
		if e.Terminal() {
			terminal = append(terminal, e)
		}
		if len(terminal) == len(ids) {
			cancel()
		}
	}
	if len(terminal) != len(ids) {
		t.Fatalf("terminal events=%d, want=%d", len(terminal), len(ids))
	}
	for i, e := range terminal {
		if e.TaskID != ids[i] {
			t.Fatalf("event %d task=%s, want=%s", i, e.TaskID, ids[i])
		}
		if e.Kind != EventCompleted {
			t.Fatalf("event %d kind=%s", i, e.Kind)
		}
	}
}

func TestIsolatedRegistryHasNoTaskTools(t *testing.T) {
	t.Parallel()

	base := testRegistry(t)
	m := newTestManager(t, llmtest.NewScripted(), Options{BaseTools: base})
	if err := m.RegisterTaskTools(base); err != nil {
		t.Fatalf("register task tools: %v", err)
	}
	if _, ok := base.Lookup("task.spawn"); !ok {
		t.Fatalf("task.spawn missing from base registry")
	}

	ic := NewIsolatedContext(base, DefaultPresets()[RoleWorker], "t1", RoleWorker, "do the thing")
	for _, name := range ic.Registry.Names() {
		if strings.HasPrefix(name, "task.") {
			t.Fatalf("isolated registry exposes %s", name)
		}
	}
	// Private conversation: system prompt plus the instruction, nothing else.
	if len(ic.Messages) != 2 {
		t.Fatalf("seed messages=%d, want=2", len(ic.Messages))
	}
	if ic.Messages[1].Role != llm.RoleUser || ic.Messages[1].Text != "do the thing" {
		t.Fatalf("seed user message=%+v", ic.Messages[1])
	}
}

func TestPruneTerminalKeepsUnannouncedTasks(t *testing.T) {
	t.Parallel()

	provider := llmtest.NewScripted(llmtest.Text("one"), llmtest.Text("two"))
	m := newTestManager(t, provider, Options{MaxParallel: 1})

	id1, _ := m.Spawn(SpawnRequest{Instruction: "a"})
	waitTerminal(t, m, id1)
	id2, _ := m.Spawn(SpawnRequest{Instruction: "b"})
	waitTerminal(t, m, id2)

	removed := m.PruneTerminal(map[string]bool{id2: true})
	if removed != 1 {
		t.Fatalf("removed=%d, want=1", removed)
	}
	if _, err := m.GetStatus(id1); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("pruned task still visible: %v", err)
	}
	if _, err := m.GetStatus(id2); err != nil {
		t.Fatalf("kept task lost: %v", err)
	}
}

func TestSpawnAfterCloseFails(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, llmtest.NewScripted(), Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := m.Spawn(SpawnRequest{Instruction: "late"}); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("err=%v, want ErrManagerClosed", err)
	}
}
