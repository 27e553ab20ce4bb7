package convq

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newArtifacts(t *testing.T, limit int64) *Artifacts {
	t.Helper()
	a, err := NewArtifacts(t.TempDir(), limit)
	require.NoError(t, err)
	return a
}

func TestArtifacts_StageStoreResolve(t *testing.T) {
	a := newArtifacts(t, 0)
	in, err := a.StageInput("t1", "../../etc/report.pdf", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "input-report.pdf", filepath.Base(in))
	assert.Equal(t, a.WorkDir("t1"), filepath.Dir(filepath.Dir(in)))

	out := filepath.Join(a.WorkDir("t1"), "report.docx")
	require.NoError(t, os.WriteFile(out, []byte("docx"), 0o644))
	loc, err := a.Store("t1", out)
	require.NoError(t, err)
	assert.Equal(t, "t1/report.docx", loc)

	p, err := a.Resolve(loc)
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "docx", string(data))

	require.NoError(t, a.RemoveWork("t1"))
	_, err = os.Stat(in)
	assert.True(t, os.IsNotExist(err))
	_, err = a.Resolve(loc)
	require.NoError(t, err, "result survives scratch removal")

	require.NoError(t, a.Remove("t1"))
	_, err = a.Resolve(loc)
	assert.ErrorIs(t, err, ErrResultUnavailable)
	require.NoError(t, a.Remove("t1"), "removing twice succeeds")
}

func TestArtifacts_InputTooLarge(t *testing.T) {
	a := newArtifacts(t, 4)
	_, err := a.StageInput("t1", "a.pdf", strings.NewReader("12345"))
	assert.ErrorIs(t, err, ErrInputTooLarge)
	_, err = os.Stat(a.WorkDir("t1"))
	assert.True(t, os.IsNotExist(err))

	_, err = a.StageInput("t2", "a.pdf", strings.NewReader("1234"))
	assert.NoError(t, err)
}

func TestArtifacts_DiscardInputKeepsOtherAttempts(t *testing.T) {
	a := newArtifacts(t, 0)
	first, err := a.StageInput("dup", "doc.pdf", strings.NewReader("first"))
	require.NoError(t, err)
	second, err := a.StageInput("dup", "doc.pdf", strings.NewReader("second"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	require.NoError(t, a.DiscardInput("dup", second))
	_, err = os.Stat(second)
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	require.NoError(t, a.DiscardInput("dup", first))
	_, err = os.Stat(a.WorkDir("dup"))
	assert.True(t, os.IsNotExist(err), "empty scratch dir removed")

	assert.Error(t, a.DiscardInput("dup", filepath.Join(t.TempDir(), "x", "input-doc.pdf")))
}

func TestArtifacts_RejectsBadLocations(t *testing.T) {
	a := newArtifacts(t, 0)
	for _, loc := range []string{"", "../x", "/etc/passwd", "t1"} {
		_, err := a.Resolve(loc)
		assert.ErrorIs(t, err, ErrResultUnavailable, loc)
	}
	for _, id := range []string{"", "..", "a/b"} {
		assert.Error(t, a.Remove(id), id)
	}
}

func TestArtifacts_CleanupOrphans(t *testing.T) {
	a := newArtifacts(t, 0)
	for _, id := range []string{"keep", "orphan", "fresh"} {
		_, err := a.StageInput(id, "in.pdf", strings.NewReader("x"))
		require.NoError(t, err)
	}
	out := filepath.Join(a.WorkDir("keep"), "r.html")
	require.NoError(t, os.WriteFile(out, nil, 0o644))
	_, err := a.Store("keep", out)
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	for _, id := range []string{"keep", "orphan"} {
		require.NoError(t, os.Chtimes(a.WorkDir(id), old, old))
	}
	require.NoError(t, os.Chtimes(filepath.Join(a.resultsDir, "keep"), old, old))

	keep := func(id string) bool { return id == "keep" }
	n, err := a.CleanupOrphans(time.Now(), time.Hour, keep, keep)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for id, exists := range map[string]bool{"keep": true, "orphan": false, "fresh": true} {
		_, err := os.Stat(a.WorkDir(id))
		assert.Equal(t, exists, err == nil, id)
	}
	_, err = a.Resolve("keep/r.html")
	assert.NoError(t, err)
}

func TestExpiryFor(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, created.Add(24*time.Hour), ExpiryFor(created, 24*time.Hour))
}
