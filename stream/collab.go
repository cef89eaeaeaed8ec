package stream

import "context"

// ExecContext is the execution-context collaborator: it learns which
// project and session a stream serves so tool calls can resolve their
// surroundings. Failures never block the core.
type ExecContext interface {
	Register(streamID, projectID, sessionID string) error
	Unregister(streamID string) error
}

// Snapshotter captures a turn snapshot keyed to the prompt message.
// Invoked fire-and-forget after every turn that persisted a prompt.
type Snapshotter interface {
	CaptureTurnSnapshot(ctx context.Context, projectPath, projectID, sessionID, messageID string) error
}

// AutomationLock is the single-holder control lock around automated turns.
// Release is idempotent; every terminal path releases it.
type AutomationLock interface {
	Release() error
}
