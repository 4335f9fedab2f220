package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nimbleworks/relay-agent/internal/llm"
	"github.com/nimbleworks/relay-agent/internal/llm/llmtest"
	"github.com/nimbleworks/relay-agent/internal/subagent"
	"github.com/nimbleworks/relay-agent/internal/tools"
	"github.com/nimbleworks/relay-agent/internal/transcript"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	session *Session
	manager *subagent.Manager
	store   *transcript.Store
}

// newFixture builds a session whose manager runs tasks against taskProvider
// and whose foreground turns run against fgProvider.
func newFixture(t *testing.T, fgProvider llm.Provider, taskProvider llm.Provider) *fixture {
	t.Helper()
	base := tools.NewRegistry()
	if err := tools.RegisterFileTools(base, t.TempDir()); err != nil {
		t.Fatalf("register file tools: %v", err)
	}
	mgr, err := subagent.NewManager(subagent.Options{
		Logger:    testLogger(),
		Provider:  taskProvider,
		BaseTools: base,
		Model:     "test-model",
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.RegisterTaskTools(base); err != nil {
		t.Fatalf("register task tools: %v", err)
	}
	store, err := transcript.Open(filepath.Join(t.TempDir(), "transcript.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	s, err := New(Options{
		Logger:       testLogger(),
		Manager:      mgr,
		Store:        store,
		SessionID:    "test-session",
		Provider:     fgProvider,
		Model:        "test-model",
		Tools:        base,
		SystemPrompt: "You are a coding assistant.",
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return &fixture{session: s, manager: mgr, store: store}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestListenerDeliversAnnouncementAndLogsTranscript(t *testing.T) {
	t.Parallel()

	f := newFixture(t, llmtest.NewScripted(), llmtest.NewScripted(llmtest.Text("all files reviewed")))
	f.session.StartListener()

	id, err := f.manager.Spawn(subagent.SpawnRequest{Instruction: "review files", Role: subagent.RoleExplore})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	waitFor(t, "announcement", func() bool { return f.session.PendingAnnouncements() > 0 })
	ann, err := f.session.RetrieveAnnouncement()
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if ann.TaskID != id || !strings.Contains(ann.Text, "completed") {
		t.Fatalf("announcement=%+v", ann)
	}
	if _, err := f.session.RetrieveAnnouncement(); !errors.Is(err, subagent.ErrNoPendingResults) {
		t.Fatalf("second retrieve err=%v", err)
	}

	// The announcement is durably logged.
	msgs, err := f.store.ListMessages(context.Background(), "test-session", 0)
	if err != nil {
		t.Fatalf("list transcript: %v", err)
	}
	found := false
	for _, m := range msgs {
		if m.Kind == transcript.KindAnnouncement && m.TaskID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("announcement not in transcript: %+v", msgs)
	}
}

func TestListenerRestartsAfterFault(t *testing.T) {
	t.Parallel()

	f := newFixture(t, llmtest.NewScripted(), llmtest.NewScripted(llmtest.Text("one"), llmtest.Text("two")))

	var mu sync.Mutex
	var seen []string
	poisoned := true
	f.session.onEvent = func(e subagent.Event) {
		if !e.Terminal() {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if poisoned {
			poisoned = false
			panic("injected handler fault")
		}
		seen = append(seen, e.TaskID)
	}
	f.session.StartListener()

	id1, err := f.manager.Spawn(subagent.SpawnRequest{Instruction: "first"})
	if err != nil {
		t.Fatalf("spawn 1: %v", err)
	}
	// The fault consumes the first terminal event's delivery attempt; the
	// restarted listener picks it back up from the bus.
	waitFor(t, "redelivery after restart", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == id1
	})

	id2, err := f.manager.Spawn(subagent.SpawnRequest{Instruction: "second"})
	if err != nil {
		t.Fatalf("spawn 2: %v", err)
	}
	waitFor(t, "second event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2 && seen[1] == id2
	})
}

func TestHandleUserMessageSpawnsTaskViaTool(t *testing.T) {
	t.Parallel()

	fg := llmtest.NewScripted(
		llmtest.Calls(llm.ToolCall{ID: "c1", Name: "task.spawn", Args: map[string]any{"instruction": "scan the repo", "role": "explore"}}),
		llmtest.Text("Started a background scan."),
	)
	f := newFixture(t, fg, llmtest.NewScripted(llmtest.Text("scan done")))
	f.session.StartListener()

	reply, err := f.session.HandleUserMessage(context.Background(), "scan the repo in the background")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != "Started a background scan." {
		t.Fatalf("reply=%q", reply)
	}
	waitFor(t, "task completion", func() bool {
		tasks := f.manager.List()
		return len(tasks) == 1 && tasks[0].Terminal()
	})
	if got := f.manager.List()[0]; got.Status != subagent.StatusCompleted {
		t.Fatalf("task status=%s (error=%q)", got.Status, got.Error)
	}
}

func TestHandleUserMessageInjectsPendingAnnouncements(t *testing.T) {
	t.Parallel()

	fg := llmtest.NewScripted(llmtest.Text("noted"))
	f := newFixture(t, fg, llmtest.NewScripted(llmtest.Text("background outcome")))
	f.session.StartListener()

	if _, err := f.manager.Spawn(subagent.SpawnRequest{Instruction: "bg work"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitFor(t, "announcement", func() bool { return f.session.PendingAnnouncements() > 0 })

	if _, err := f.session.HandleUserMessage(context.Background(), "anything new?"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	reqs := fg.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests=%d, want=1", len(reqs))
	}
	sawAnnouncement := false
	for _, m := range reqs[0].Messages {
		if strings.Contains(m.Text, "background outcome") {
			sawAnnouncement = true
		}
	}
	if !sawAnnouncement {
		t.Fatalf("announcement not injected into foreground turn")
	}
	if f.session.PendingAnnouncements() != 0 {
		t.Fatalf("announcements not drained")
	}
}

func TestPruneFinishedTasksKeepsUnannounced(t *testing.T) {
	t.Parallel()

	f := newFixture(t, llmtest.NewScripted(), llmtest.NewScripted(llmtest.Text("done")))
	f.session.StartListener()

	id, err := f.manager.Spawn(subagent.SpawnRequest{Instruction: "work"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitFor(t, "announcement", func() bool { return f.session.PendingAnnouncements() > 0 })

	// Announcement still pending: the task survives pruning.
	if removed := f.session.PruneFinishedTasks(); removed != 0 {
		t.Fatalf("removed=%d with pending announcement", removed)
	}
	if _, err := f.session.RetrieveAnnouncement(); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if removed := f.session.PruneFinishedTasks(); removed != 1 {
		t.Fatalf("removed=%d after delivery, want=1", removed)
	}
	if _, err := f.manager.GetStatus(id); !errors.Is(err, subagent.ErrUnknownTask) {
		t.Fatalf("task survived prune: %v", err)
	}
}
