// Package session wires the conversation loop to the background task
// manager: announcements, durable transcript logging, foreground turns.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nimbleworks/relay-agent/internal/llm"
	"github.com/nimbleworks/relay-agent/internal/subagent"
	"github.com/nimbleworks/relay-agent/internal/tools"
	"github.com/nimbleworks/relay-agent/internal/transcript"
)

const (
	defaultForegroundSteps = 25
	persistTimeout         = 5 * time.Second
	listenerRestartDelay   = 200 * time.Millisecond
)

// Options configure a Session.
type Options struct {
	Logger  *slog.Logger
	Manager *subagent.Manager
	// Store is optional; without it the transcript is not persisted.
	Store     *transcript.Store
	SessionID string
	Provider  llm.Provider
	Model     string
	// Tools is the full foreground registry, task.* included.
	Tools *tools.Registry
	// SystemPrompt seeds the foreground conversation.
	SystemPrompt string
	// MaxSteps bounds one foreground turn. Zero means the default of 25.
	MaxSteps int
}

// Session owns one foreground conversation and its background task set.
type Session struct {
	logger   *slog.Logger
	mgr      *subagent.Manager
	queue    *subagent.AnnounceQueue
	store    *transcript.Store
	id       string
	provider llm.Provider
	model    string
	tools    *tools.Registry
	maxSteps int

	mu       sync.Mutex
	messages []llm.Message

	listenCancel context.CancelFunc
	listenDone   chan struct{}

	// onEvent replaces the default event handling in tests.
	onEvent func(subagent.Event)
}

func New(opts Options) (*Session, error) {
	if opts.Manager == nil {
		return nil, errors.New("manager required")
	}
	if opts.Provider == nil {
		return nil, errors.New("provider required")
	}
	if opts.Tools == nil {
		return nil, errors.New("tool registry required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("model required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := strings.TrimSpace(opts.SessionID)
	if id == "" {
		id = fmt.Sprintf("session-%d", time.Now().UnixMilli())
	}
	s := &Session{
		logger:   logger,
		mgr:      opts.Manager,
		queue:    subagent.NewAnnounceQueue(),
		store:    opts.Store,
		id:       id,
		provider: opts.Provider,
		model:    strings.TrimSpace(opts.Model),
		tools:    opts.Tools,
		maxSteps: opts.MaxSteps,
	}
	if s.maxSteps <= 0 {
		s.maxSteps = defaultForegroundSteps
	}
	if prompt := strings.TrimSpace(opts.SystemPrompt); prompt != "" {
		s.messages = append(s.messages, llm.Message{Role: llm.RoleSystem, Text: prompt})
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.store.EnsureSession(ctx, s.id, ""); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Manager exposes the task manager for status commands.
func (s *Session) Manager() *subagent.Manager { return s.mgr }

// StartListener launches the announcement listener. A listener fault is
// logged and the listener restarts; retained bus events make the restart
// lossless.
func (s *Session) StartListener() {
	if s.listenCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.listenCancel = cancel
	s.listenDone = make(chan struct{})
	go func() {
		defer close(s.listenDone)
		for {
			err := s.listenOnce(ctx)
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("announcement listener fault, restarting", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenerRestartDelay):
			}
		}
	}()
}

// listenOnce consumes bus events until the context ends or a panic
// escapes an event handler. On a panic, the event being handled and any
// events the dying subscription already popped go back to the head of the
// bus queue in their original order, so the restarted listener resumes
// without loss.
func (s *Session) listenOnce(ctx context.Context) (err error) {
	subCtx, cancel := context.WithCancel(ctx)
	ch := s.mgr.Bus().Subscribe(subCtx)
	var current subagent.Event
	hasCurrent := false
	defer func() {
		r := recover()
		cancel()
		var stray []subagent.Event
		for e := range ch {
			stray = append(stray, e)
		}
		for i := len(stray) - 1; i >= 0; i-- {
			s.mgr.Bus().Requeue(stray[i])
		}
		if r != nil {
			if hasCurrent {
				s.mgr.Bus().Requeue(current)
			}
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	for e := range ch {
		current, hasCurrent = e, true
		s.handleEvent(e)
		hasCurrent = false
	}
	return nil
}

func (s *Session) handleEvent(e subagent.Event) {
	if s.onEvent != nil {
		s.onEvent(e)
		return
	}
	if !e.Terminal() {
		s.logger.Info("task started", "task_id", e.TaskID, "role", e.Role)
		return
	}
	if !s.queue.PushEvent(e) {
		return
	}
	s.persist(transcript.Message{
		Kind:   transcript.KindAnnouncement,
		TaskID: e.TaskID,
		Text:   subagent.FormatAnnouncement(e),
	})
}

// StopListener shuts the listener down and waits for it to exit.
func (s *Session) StopListener() {
	if s.listenCancel == nil {
		return
	}
	s.listenCancel()
	<-s.listenDone
	s.listenCancel = nil
	s.listenDone = nil
}

// RetrieveAnnouncement pops the oldest pending announcement. An empty
// queue returns subagent.ErrNoPendingResults.
func (s *Session) RetrieveAnnouncement() (subagent.Announcement, error) {
	return s.queue.Retrieve()
}

// DrainAnnouncements pops every pending announcement in order.
func (s *Session) DrainAnnouncements() []subagent.Announcement {
	return s.queue.DrainAll()
}

// PendingAnnouncements reports the undelivered announcement count.
func (s *Session) PendingAnnouncements() int {
	return s.queue.Len()
}

// PruneFinishedTasks drops terminal tasks whose announcements were
// delivered. Tasks still waiting to be announced survive.
func (s *Session) PruneFinishedTasks() int {
	return s.mgr.PruneTerminal(s.queue.PendingTaskIDs())
}

// HandleUserMessage runs one foreground turn. Pending announcements are
// drained into the conversation first so the model sees finished tasks
// before answering.
func (s *Session) HandleUserMessage(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty message")
	}
	s.persist(transcript.Message{Kind: transcript.KindUser, Text: text})

	s.mu.Lock()
	for _, ann := range s.queue.DrainAll() {
		s.messages = append(s.messages, llm.Message{Role: llm.RoleUser, Text: ann.Text})
	}
	s.messages = append(s.messages, llm.Message{Role: llm.RoleUser, Text: text})
	messages := make([]llm.Message, len(s.messages))
	copy(messages, s.messages)
	s.mu.Unlock()

	final, updated, err := s.runTurn(ctx, messages)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.messages = updated
	s.mu.Unlock()
	s.persist(transcript.Message{Kind: transcript.KindAssistant, Text: final})
	return final, nil
}

// runTurn drives the model until it stops calling tools or the step
// budget runs out. The budget ending a foreground turn is not an error;
// the partial text is returned.
func (s *Session) runTurn(ctx context.Context, messages []llm.Message) (string, []llm.Message, error) {
	defs := s.tools.Defs()
	lastText := ""
	for step := 0; step < s.maxSteps; step++ {
		result, err := s.provider.Complete(ctx, llm.TurnRequest{
			Model:    s.model,
			Messages: messages,
			Tools:    defs,
		})
		if err != nil {
			return "", nil, fmt.Errorf("foreground turn: %w", err)
		}
		if txt := strings.TrimSpace(result.Text); txt != "" {
			lastText = txt
		}
		if len(result.ToolCalls) == 0 {
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Text: result.Text})
			return lastText, messages, nil
		}
		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Text:      result.Text,
			ToolCalls: result.ToolCalls,
		})
		for _, call := range result.ToolCalls {
			out, toolErr := s.tools.Execute(ctx, call.Name, call.Args)
			if toolErr != nil {
				if ctx.Err() != nil {
					return "", nil, ctx.Err()
				}
				out = "error: " + toolErr.Error()
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Text:       out,
			})
		}
	}
	if lastText == "" {
		lastText = "(turn step budget exhausted)"
	}
	return lastText, messages, nil
}

func (s *Session) persist(msg transcript.Message) {
	if s.store == nil {
		return
	}
	msg.SessionID = s.id
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if _, err := s.store.AppendMessage(ctx, msg); err != nil {
		s.logger.Error("transcript append failed", "kind", string(msg.Kind), "error", err)
	}
}

// Close stops the listener and shuts the task manager down.
func (s *Session) Close(ctx context.Context) error {
	s.StopListener()
	return s.mgr.Close(ctx)
}
