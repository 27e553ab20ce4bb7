package convq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, s := range AllStatuses {
		got, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStatus("done")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestCanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:    {StatusProcessing, StatusCancelled},
		StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{
		"docx":  FormatDOCX,
		"JPEG":  FormatJPEG,
		"jpg":   FormatJPEG,
		"ppt":   FormatPPT,
		"pptx":  FormatPPT,
		" html": FormatHTML,
		"htm":   FormatHTML,
	}
	for in, want := range cases {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("pdf")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTask_Lifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	task := &Task{ID: "a", Status: StatusPending, CreatedAt: now, UpdatedAt: now}

	require.ErrorIs(t, task.transition(StatusCompleted, now), ErrInvalidTransition)

	later := now.Add(time.Second)
	require.NoError(t, task.transition(StatusProcessing, later))
	assert.Equal(t, later, task.StartedAt)

	require.NoError(t, task.advance(30, later))
	require.NoError(t, task.advance(20, later))
	assert.Equal(t, 30, task.Progress, "progress never decreases")
	require.NoError(t, task.advance(250, later))
	assert.Equal(t, 100, task.Progress)

	task.CancelRequested = true
	exp := now.Add(24 * time.Hour)
	require.NoError(t, task.complete("a/out.jpeg", exp, later))
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, "a/out.jpeg", task.ResultLocation)
	assert.Equal(t, exp, task.ExpiresAt)
	assert.False(t, task.CancelRequested)

	assert.ErrorIs(t, task.advance(100, later), ErrAlreadyTerminal)
	assert.ErrorIs(t, task.cancel(exp, later), ErrAlreadyTerminal)
	assert.ErrorIs(t, task.fail("x", exp, later), ErrAlreadyTerminal)
}

func TestTask_FailAndCancel(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exp := now.Add(time.Hour)

	failed := &Task{Status: StatusProcessing}
	require.NoError(t, failed.fail("", exp, now))
	assert.Equal(t, "conversion failed", failed.ErrorMessage)
	assert.Empty(t, failed.ResultLocation)

	cancelled := &Task{Status: StatusPending}
	require.NoError(t, cancelled.cancel(exp, now))
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Empty(t, cancelled.ErrorMessage)
	assert.Equal(t, exp, cancelled.ExpiresAt)
}

func TestTask_Clone(t *testing.T) {
	orig := &Task{ID: "a", Options: Options{"quality": 90}}
	c := orig.Clone()
	c.Options["quality"] = 10
	assert.Equal(t, 90, orig.Options["quality"])
	assert.Nil(t, (*Task)(nil).Clone())
}

func TestJSONEncoder_Task(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 123, time.UTC)
	in := &Task{ID: "a", Status: StatusCompleted, Format: FormatDOCX, Progress: 100, CreatedAt: now, ExpiresAt: now.Add(time.Hour), Options: Options{"preserve_layout": true}}
	enc := &JSONEncoder{}
	data, err := enc.Encode(in)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "started_at")

	out, err := decodeTask(enc, data)
	require.NoError(t, err)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.True(t, in.ExpiresAt.Equal(out.ExpiresAt))
	assert.True(t, out.StartedAt.IsZero())
	assert.True(t, out.Options.Bool("preserve_layout"))
}
