package convq

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Client is the read side of the engine: status polling, listing and result
// download. It needs only the Store and the Artifacts, so a request process
// can poll tasks executed elsewhere.
type Client struct {
	store Store
	art   *Artifacts
}

// NewClient creates a Client over a store and an artifact manager.
func NewClient(store Store, art *Artifacts) *Client {
	return &Client{store: store, art: art}
}

// Get returns the task with the given id. Unknown and reclaimed ids both
// yield ErrNotFound. A completed task whose result bytes are gone is
// returned together with ErrResultUnavailable.
func (c *Client) Get(ctx context.Context, id string) (*Task, error) {
	t, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusCompleted {
		if _, err := c.art.Resolve(t.ResultLocation); err != nil {
			return t, err
		}
	}
	return t, nil
}

// Open returns the result file of a completed task. The caller closes it.
func (c *Client) Open(ctx context.Context, id string) (*os.File, *Task, error) {
	t, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if t.Status != StatusCompleted {
		return nil, t, fmt.Errorf("%w: task is %s", ErrNotReady, t.Status)
	}
	p, err := c.art.Resolve(t.ResultLocation)
	if err != nil {
		return nil, t, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, t, fmt.Errorf("%w: %s", ErrResultUnavailable, t.ResultLocation)
	}
	if err != nil {
		return nil, t, err
	}
	return f, t, nil
}

// TaskFilter is a function used to filter tasks during ListTasks.
type TaskFilter func(*Task) bool

// ListTasks returns tasks in the given status, optionally filtered.
func (c *Client) ListTasks(ctx context.Context, status Status, filter TaskFilter) ([]*Task, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}
	tasks, err := c.store.ListByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	if filter == nil {
		return tasks, nil
	}
	out := tasks[:0]
	for _, t := range tasks {
		if filter(t) {
			out = append(out, t)
		}
	}
	return out, nil
}
