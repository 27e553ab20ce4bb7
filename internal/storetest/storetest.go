// Package storetest holds the behaviour every convq.Store implementation
// must share, run against each backend from its own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/convq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewTask returns a pending task created offset after a fixed instant.
func NewTask(id string, offset time.Duration) *convq.Task {
	at := base.Add(offset)
	return &convq.Task{
		ID:        id,
		Status:    convq.StatusPending,
		Format:    convq.FormatJPEG,
		Options:   convq.Options{"quality": 90, "dpi": 300, "pages": "1,3-5"},
		Pages:     "1,3-5",
		FileName:  "report.pdf",
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// Run exercises a Store produced by newStore.
func Run(t *testing.T, newStore func(t *testing.T) convq.Store) {
	ctx := context.Background()

	t.Run("CreateGet", func(t *testing.T) {
		s := newStore(t)
		in := NewTask("a", 0)
		require.NoError(t, s.Create(ctx, in))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "a", got.ID)
		assert.Equal(t, convq.StatusPending, got.Status)
		assert.Equal(t, "1,3-5", got.Pages)
		assert.Equal(t, 90, got.Options.Int("quality"))
		assert.True(t, in.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewTask("a", 0)))
		assert.ErrorIs(t, s.Create(ctx, NewTask("a", time.Second)), convq.ErrDuplicateTaskID)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, convq.ErrNotFound)
	})

	t.Run("UpdateApplies", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewTask("a", 0)))
		out, err := s.Update(ctx, "a", func(task *convq.Task) error {
			task.Status = convq.StatusProcessing
			task.Progress = 30
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 30, out.Progress)

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, convq.StatusProcessing, got.Status)
		assert.Equal(t, 30, got.Progress)
	})

	t.Run("UpdateErrorWritesNothing", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewTask("a", 0)))
		boom := errors.New("boom")
		_, err := s.Update(ctx, "a", func(task *convq.Task) error {
			task.Progress = 50
			return boom
		})
		assert.ErrorIs(t, err, boom)
		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Zero(t, got.Progress)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Update(ctx, "nope", func(*convq.Task) error { return nil })
		assert.ErrorIs(t, err, convq.ErrNotFound)
	})

	t.Run("ConcurrentUpdatesAreAtomic", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewTask("a", 0)))
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, "a", func(task *convq.Task) error {
					task.Progress++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 20, got.Progress)
	})

	t.Run("ListByStatus", func(t *testing.T) {
		s := newStore(t)
		for i, id := range []string{"c", "a", "b"} {
			require.NoError(t, s.Create(ctx, NewTask(id, time.Duration(i)*time.Second)))
		}
		_, err := s.Update(ctx, "a", func(task *convq.Task) error {
			task.Status = convq.StatusProcessing
			return nil
		})
		require.NoError(t, err)
		_, err = s.Update(ctx, "b", func(task *convq.Task) error {
			task.Status = convq.StatusCompleted
			return nil
		})
		require.NoError(t, err)

		pending, err := s.ListByStatus(ctx, convq.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids(pending))

		live, err := s.ListByStatus(ctx, convq.StatusPending, convq.StatusProcessing)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "a"}, ids(live))

		done, err := s.ListByStatus(ctx, convq.StatusCompleted)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids(done))
	})

	t.Run("ListExpired", func(t *testing.T) {
		s := newStore(t)
		for i, id := range []string{"old", "new", "live"} {
			require.NoError(t, s.Create(ctx, NewTask(id, time.Duration(i)*time.Hour)))
		}
		for _, id := range []string{"old", "new"} {
			_, err := s.Update(ctx, id, func(task *convq.Task) error {
				task.Status = convq.StatusCompleted
				task.ExpiresAt = task.CreatedAt.Add(24 * time.Hour)
				return nil
			})
			require.NoError(t, err)
		}

		got, err := s.ListExpired(ctx, base.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, got, "expiry is exclusive of now")

		got, err = s.ListExpired(ctx, base.Add(24*time.Hour+time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"old"}, ids(got))

		got, err = s.ListExpired(ctx, base.Add(48*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{"old", "new"}, ids(got))
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		task := NewTask("a", 0)
		require.NoError(t, s.Create(ctx, task))
		_, err := s.Update(ctx, "a", func(task *convq.Task) error {
			task.Status = convq.StatusFailed
			task.ExpiresAt = task.CreatedAt.Add(time.Hour)
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, "a"))
		_, err = s.Get(ctx, "a")
		assert.ErrorIs(t, err, convq.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "a"), convq.ErrNotFound)

		expired, err := s.ListExpired(ctx, base.Add(48*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, expired)
	})
}

func ids(tasks []*convq.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
