package convq

import (
	"maps"
	"time"
)

// Task represents a tracked unit of conversion work.
// It is serialized to JSON by the persistent stores.
type Task struct {
	// ID is the unique identifier for the task, generated at submission.
	ID string `json:"id"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// Format is the requested output format.
	Format Format `json:"format"`
	// Progress is the completion percentage (0..100). It never decreases.
	Progress int `json:"progress"`
	// Options are the validated per-format parameters.
	Options Options `json:"options,omitempty"`
	// Pages is the normalized page selection; empty means all pages.
	Pages string `json:"pages,omitempty"`
	// FileName is the client supplied name of the source document.
	FileName string `json:"file_name,omitempty"`
	// InputPath is where the staged source document lives while the task is live.
	InputPath string `json:"input_path,omitempty"`
	// CreatedAt is when the task was admitted.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt changes on every status or progress mutation.
	UpdatedAt time.Time `json:"updated_at"`
	// StartedAt is when a worker picked the task up.
	StartedAt time.Time `json:"started_at,omitzero"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt time.Time `json:"completed_at,omitzero"`
	// ResultLocation is set only for completed tasks and is owned by Artifacts.
	ResultLocation string `json:"result_location,omitempty"`
	// ExpiresAt is when the task and its artifact become eligible for reclamation.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	// ErrorMessage is set only for failed tasks.
	ErrorMessage string `json:"error_message,omitempty"`
	// CancelRequested is set while a processing task waits to acknowledge cancellation.
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Options = maps.Clone(t.Options)
	return &c
}

// transition moves the task along one state machine edge.
func (t *Task) transition(to Status, now time.Time) error {
	if t.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	if !CanTransition(t.Status, to) {
		return ErrInvalidTransition
	}
	t.Status = to
	t.UpdatedAt = now
	switch {
	case to == StatusProcessing:
		t.StartedAt = now
	case to.Terminal():
		t.CompletedAt = now
		t.CancelRequested = false
	}
	return nil
}

// advance records progress. Values below the current progress are ignored
// and values are bounded to 0..100. Terminal tasks are left untouched.
func (t *Task) advance(p int, now time.Time) error {
	if t.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	if p > 100 {
		p = 100
	}
	if p <= t.Progress {
		return nil
	}
	t.Progress = p
	t.UpdatedAt = now
	return nil
}

func (t *Task) complete(location string, expiresAt, now time.Time) error {
	if err := t.transition(StatusCompleted, now); err != nil {
		return err
	}
	t.Progress = 100
	t.ResultLocation = location
	t.ExpiresAt = expiresAt
	t.ErrorMessage = ""
	return nil
}

func (t *Task) fail(msg string, expiresAt, now time.Time) error {
	if err := t.transition(StatusFailed, now); err != nil {
		return err
	}
	if msg == "" {
		msg = "conversion failed"
	}
	t.ErrorMessage = msg
	t.ResultLocation = ""
	t.ExpiresAt = expiresAt
	return nil
}

func (t *Task) cancel(expiresAt, now time.Time) error {
	if err := t.transition(StatusCancelled, now); err != nil {
		return err
	}
	t.ResultLocation = ""
	t.ErrorMessage = ""
	t.ExpiresAt = expiresAt
	return nil
}
