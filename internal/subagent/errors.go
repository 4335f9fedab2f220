package subagent

import "errors"

var (
	// ErrInvalidTask rejects spawn requests with an empty instruction or an
	// unknown role.
	ErrInvalidTask = errors.New("invalid task")

	// ErrConcurrencyLimit rejects spawns past the configured parallel cap.
	ErrConcurrencyLimit = errors.New("concurrency limit exceeded")

	// ErrUnknownTask is returned for lookups of task ids that never existed
	// or were pruned.
	ErrUnknownTask = errors.New("unknown task id")

	// ErrNoPendingResults is the empty-queue sentinel for announcement
	// retrieval. It is an expected condition, not a failure.
	ErrNoPendingResults = errors.New("no pending results")

	// ErrManagerClosed rejects operations after Close.
	ErrManagerClosed = errors.New("manager closed")
)
