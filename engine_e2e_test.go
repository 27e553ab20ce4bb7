package convq_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/UniQw/convq"
	"github.com/UniQw/convq/converters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func samplePDF(pages int) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n1 0 obj << /Type /Catalog /Pages 2 0 R >> endobj\n")
	fmt.Fprintf(&b, "2 0 obj << /Type /Pages /Count %d >> endobj\n", pages)
	for i := range pages {
		content := fmt.Sprintf("BT 72 720 Td (Page %d) Tj ET", i+1)
		fmt.Fprintf(&b, "%d 0 obj << /Type /Page /Parent 2 0 R /Contents %d 0 R >> endobj\n", 3+2*i, 4+2*i)
		fmt.Fprintf(&b, "%d 0 obj << /Length %d >>\nstream\n%s\nendstream\nendobj\n", 4+2*i, len(content), content)
	}
	b.WriteString("%%EOF\n")
	return b.Bytes()
}

func TestEngine_E2E_RedisAndConverters(t *testing.T) {
	rdb, _ := newMiniClient(t)
	logger := zaptest.NewLogger(t)

	reg := convq.NewRegistry()
	converters.NewConverter(logger).Register(reg)
	art, err := convq.NewArtifacts(t.TempDir(), 0)
	require.NoError(t, err)
	store := convq.NewRedisStore(rdb, "e2e")

	e := convq.NewEngine(store, reg, art, convq.Config{
		MaxConcurrentConversions: 2,
		PageCounter:              converters.PageCount,
		Logger:                   logger.Sugar(),
	})
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	pdf := samplePDF(10)
	info, err := e.Inspect(ctx, bytes.NewReader(pdf))
	require.NoError(t, err)
	assert.Equal(t, 10, info.PageCount)

	jpegID, err := e.Submit(ctx, convq.Request{
		Format:   "jpg",
		FileName: "slides.pdf",
		Input:    bytes.NewReader(pdf),
		Options:  convq.RawOptions{"pages": "1,3-5", "dpi": 72, "quality": 60},
	})
	require.NoError(t, err)
	htmlID, err := e.Submit(ctx, convq.Request{Format: "html", FileName: "slides.pdf", Input: bytes.NewReader(pdf)})
	require.NoError(t, err)

	_, err = e.Submit(ctx, convq.Request{Format: "docx", Input: bytes.NewReader(pdf), Options: convq.RawOptions{"pages": "11"}})
	assert.ErrorIs(t, err, convq.ErrInvalidPageExpression)

	for _, id := range []string{jpegID, htmlID} {
		require.Eventually(t, func() bool {
			task, err := e.Get(ctx, id)
			return err == nil && task.Status == convq.StatusCompleted
		}, 10*time.Second, 10*time.Millisecond)
	}

	f, task, err := e.Open(ctx, jpegID)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, 100, task.Progress)
	st, err := f.Stat()
	require.NoError(t, err)
	zr, err := zip.NewReader(f, st.Size())
	require.NoError(t, err)
	assert.Len(t, zr.File, 4)

	hf, _, err := e.Open(ctx, htmlID)
	require.NoError(t, err)
	defer hf.Close()
	var html bytes.Buffer
	_, err = html.ReadFrom(hf)
	require.NoError(t, err)
	assert.Contains(t, html.String(), "Page 10")

	// a second reader over the same store sees the same records
	reader := convq.NewClient(convq.NewRedisStore(rdb, "e2e"), art)
	done, err := reader.ListTasks(ctx, convq.StatusCompleted, nil)
	require.NoError(t, err)
	assert.Len(t, done, 2)
}
