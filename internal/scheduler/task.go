package scheduler

import (
	"context"

	"github.com/google/uuid"
	"github.com/tanq16/rangedl/internal/progress"
)

type State int

const (
	Queued State = iota
	Running
	Stopped
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Task is owned by the manager goroutine; callers only ever see TaskView copies.
type Task struct {
	ID       uuid.UUID
	URL      string
	Path     string
	FileName string
	State    State
	Err      error
	Written  int64
	Total    int64

	handle *handle
}

// handle is the live side of a running transfer.
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type TaskView struct {
	ID       uuid.UUID
	Index    int
	URL      string
	Path     string
	FileName string
	State    State
	Err      error
	Written  int64
	Total    int64
}

type MessageKind int

const (
	MsgStarted MessageKind = iota
	MsgFileName
	MsgProgress
	MsgStopped
	MsgCompleted
	MsgFailed
)

func (k MessageKind) String() string {
	return [...]string{"started", "file-name", "progress", "stopped", "completed", "failed"}[k]
}

// Message tells the presentation layer what happened to a task. Index is the
// task's position when the message was emitted and may be stale by the time
// it is read; TaskID is stable.
type Message struct {
	Kind     MessageKind
	TaskID   uuid.UUID
	Index    int
	URL      string
	FileName string
	Path     string
	Segments []progress.Segment
	Written  int64
	Total    int64
	Err      error
}
