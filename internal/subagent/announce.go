package subagent

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Announcement is one conversation-ready notice about a finished task.
type Announcement struct {
	TaskID string `json:"task_id"`
	Text   string `json:"text"`
	At     int64  `json:"at"`
}

// FormatAnnouncement turns a terminal event into the text surfaced to the
// conversation: label, the original task description, the full outcome,
// and what the consumer should do with it. Non-terminal events produce an
// empty string.
func FormatAnnouncement(e Event) string {
	name := e.Role
	if label := strings.TrimSpace(e.Label); label != "" {
		name = fmt.Sprintf("%s %q", e.Role, label)
	}
	instruction := strings.TrimSpace(e.Instruction)

	var sb strings.Builder
	switch e.Kind {
	case EventCompleted:
		fmt.Fprintf(&sb, "[background task %s] %s completed.", e.TaskID, name)
		if instruction != "" {
			sb.WriteString("\nTask: " + instruction)
		}
		if result := strings.TrimSpace(e.Result); result != "" {
			sb.WriteString("\nResult: " + result)
		}
		sb.WriteString("\nSummarize this result for the user in one or two sentences.")
	case EventFailed:
		fmt.Fprintf(&sb, "[background task %s] %s failed.", e.TaskID, name)
		if instruction != "" {
			sb.WriteString("\nTask: " + instruction)
		}
		if msg := strings.TrimSpace(e.Error); msg != "" {
			sb.WriteString("\nError: " + msg)
		}
		sb.WriteString("\nReport this failure to the user and suggest next steps.")
	default:
		return ""
	}
	return sb.String()
}

// AnnounceQueue hands finished-task notices to the conversation loop.
// Retrieval is at-most-once: an announcement returned by Retrieve or
// DrainAll is gone.
type AnnounceQueue struct {
	mu    sync.Mutex
	items []Announcement
}

func NewAnnounceQueue() *AnnounceQueue {
	return &AnnounceQueue{}
}

// PushEvent formats and enqueues a terminal event. Non-terminal events are
// ignored so callers can feed the raw bus stream through.
func (q *AnnounceQueue) PushEvent(e Event) bool {
	text := FormatAnnouncement(e)
	if text == "" {
		return false
	}
	at := e.At
	if at == 0 {
		at = time.Now().UnixMilli()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, Announcement{TaskID: e.TaskID, Text: text, At: at})
	return true
}

// Retrieve pops the oldest pending announcement. An empty queue returns
// ErrNoPendingResults.
func (q *AnnounceQueue) Retrieve() (Announcement, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Announcement{}, ErrNoPendingResults
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, nil
}

// DrainAll pops every pending announcement in FIFO order.
func (q *AnnounceQueue) DrainAll() []Announcement {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len reports how many announcements are pending.
func (q *AnnounceQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// PendingTaskIDs returns the ids with undelivered announcements.
func (q *AnnounceQueue) PendingTaskIDs() map[string]bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]bool, len(q.items))
	for _, item := range q.items {
		out[item.TaskID] = true
	}
	return out
}
