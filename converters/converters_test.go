package converters

import (
	"archive/zip"
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/UniQw/convq"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// writePDF builds a minimal PDF with one content stream per page.
func writePDF(t *testing.T, dir string, compress bool, pages ...[]string) string {
	t.Helper()
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	fmt.Fprintf(&b, "1 0 obj << /Type /Catalog /Pages 2 0 R >> endobj\n")
	fmt.Fprintf(&b, "2 0 obj << /Type /Pages /Count %d >> endobj\n", len(pages))
	for i, lines := range pages {
		var content bytes.Buffer
		content.WriteString("BT /F1 12 Tf 72 720 Td ")
		for _, l := range lines {
			fmt.Fprintf(&content, "(%s) Tj 0 -14 Td ", strings.NewReplacer("(", `\(`, ")", `\)`).Replace(l))
		}
		content.WriteString("ET")
		body := content.Bytes()
		filter := ""
		if compress {
			var z bytes.Buffer
			zw := zlib.NewWriter(&z)
			_, _ = zw.Write(body)
			require.NoError(t, zw.Close())
			body = z.Bytes()
			filter = " /Filter /FlateDecode"
		}
		fmt.Fprintf(&b, "%d 0 obj << /Type /Page /Parent 2 0 R /Contents %d 0 R >> endobj\n", 3+2*i, 4+2*i)
		fmt.Fprintf(&b, "%d 0 obj << /Length %d%s >>\nstream\n", 4+2*i, len(body), filter)
		b.Write(body)
		b.WriteString("\nendstream\nendobj\n")
	}
	b.WriteString("%%EOF\n")
	p := filepath.Join(dir, "input-report.pdf")
	require.NoError(t, os.WriteFile(p, b.Bytes(), 0o644))
	return p
}

func newJob(t *testing.T, input string, f convq.Format, opts convq.Options, pages convq.Pages) (*convq.Job, *[]int) {
	t.Helper()
	out := t.TempDir()
	var progress []int
	return &convq.Job{
		TaskID:    "t1",
		Format:    f,
		InputPath: input,
		OutputDir: out,
		Options:   opts,
		Pages:     pages,
		Progress:  func(p int) { progress = append(progress, p) },
	}, &progress
}

func tenPages() [][]string {
	out := make([][]string, 10)
	for i := range out {
		out[i] = []string{fmt.Sprintf("page %d heading", i+1), "body line"}
	}
	return out
}

func TestPageCount(t *testing.T) {
	dir := t.TempDir()
	p := writePDF(t, dir, false, tenPages()...)
	n, err := PageCount(p)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestPageCountFallsBackToTreeCount(t *testing.T) {
	n, err := countPages([]byte("%PDF-1.7\n1 0 obj << /Type /Pages /Count 7 /Kids [] >> endobj"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestPageCountRejectsNonPDF(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x.pdf")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))
	_, err := PageCount(p)
	assert.ErrorIs(t, err, ErrNotPDF)
}

func TestStreamTextInflates(t *testing.T) {
	p := writePDF(t, t.TempDir(), true, []string{"alpha (one)"}, []string{"beta"})
	st := &StreamText{}
	lines, err := st.PageText(context.Background(), p, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha (one)"}, lines)
	lines, err = st.PageText(context.Background(), p, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, lines)
	lines, err = st.PageText(context.Background(), p, 3)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestJPEGSinglePage(t *testing.T) {
	p := writePDF(t, t.TempDir(), false, tenPages()...)
	c := NewConverter(zaptest.NewLogger(t))
	job, progress := newJob(t, p, convq.FormatJPEG, convq.Options{"quality": 80, "dpi": 72}, convq.Pages{2})

	out, err := c.JPEG(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "page_2.jpeg", filepath.Base(out))
	img, err := imaging.Open(out)
	require.NoError(t, err)
	assert.Equal(t, a4Width, img.Bounds().Dx())
	assert.Equal(t, []int{100}, *progress)
}

func TestJPEGMultiplePagesAreZipped(t *testing.T) {
	p := writePDF(t, t.TempDir(), false, tenPages()...)
	c := NewConverter(zaptest.NewLogger(t))
	job, progress := newJob(t, p, convq.FormatJPEG, convq.Options{"quality": 90, "dpi": 72}, convq.Pages{1, 3, 4, 5})

	out, err := c.JPEG(context.Background(), job)
	require.NoError(t, err)
	zr, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"page_1.jpeg", "page_3.jpeg", "page_4.jpeg", "page_5.jpeg"}, names)
	assert.Equal(t, []int{25, 50, 75, 100}, *progress)
}

func TestPagesBeyondDocumentFail(t *testing.T) {
	p := writePDF(t, t.TempDir(), false, []string{"only"})
	c := NewConverter(nil)
	job, _ := newJob(t, p, convq.FormatJPEG, convq.Options{"quality": 90, "dpi": 72}, convq.Pages{2})
	_, err := c.JPEG(context.Background(), job)
	assert.ErrorIs(t, err, convq.ErrPageOutOfRange)
}

func TestCancelledContextStopsBeforeFirstPage(t *testing.T) {
	p := writePDF(t, t.TempDir(), false, tenPages()...)
	c := NewConverter(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job, progress := newJob(t, p, convq.FormatHTML, convq.Options{"preserve_layout": true}, nil)
	_, err := c.HTML(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, *progress)
}

func readZipEntry(t *testing.T, archive, name string) string {
	t.Helper()
	zr, err := zip.OpenReader(archive)
	require.NoError(t, err)
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		var b bytes.Buffer
		_, err = b.ReadFrom(rc)
		require.NoError(t, err)
		return b.String()
	}
	t.Fatalf("entry %s not found in %s", name, archive)
	return ""
}

func TestDOCXAllPages(t *testing.T) {
	p := writePDF(t, t.TempDir(), false, []string{"Q1 <results>", "revenue up"}, []string{"outlook"})
	c := NewConverter(zaptest.NewLogger(t))
	job, progress := newJob(t, p, convq.FormatDOCX, convq.Options{"preserve_layout": true}, nil)

	out, err := c.DOCX(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "report.docx", filepath.Base(out))
	doc := readZipEntry(t, out, "word/document.xml")
	assert.Contains(t, doc, "Q1 &lt;results&gt;")
	assert.Contains(t, doc, `<w:br w:type="page"/>`)
	assert.Equal(t, 3, strings.Count(doc, "<w:t "))
	assert.Equal(t, []int{50, 100}, *progress)
}

func TestDOCXWithoutLayoutJoinsLines(t *testing.T) {
	p := writePDF(t, t.TempDir(), false, []string{"a", "b"})
	c := NewConverter(nil)
	job, _ := newJob(t, p, convq.FormatDOCX, convq.Options{"preserve_layout": false}, nil)
	out, err := c.DOCX(context.Background(), job)
	require.NoError(t, err)
	assert.Contains(t, readZipEntry(t, out, "word/document.xml"), ">a b<")
}

func TestPPTOneSlidePerPage(t *testing.T) {
	p := writePDF(t, t.TempDir(), false, tenPages()...)
	c := NewConverter(nil)
	job, _ := newJob(t, p, convq.FormatPPT, convq.Options{}, convq.Pages{2, 7})

	out, err := c.PPT(context.Background(), job)
	require.NoError(t, err)
	pres := readZipEntry(t, out, "ppt/presentation.xml")
	assert.Equal(t, 2, strings.Count(pres, "<p:sldId "))
	assert.Contains(t, readZipEntry(t, out, "ppt/slides/slide2.xml"), "page 7 heading")
}

func TestHTMLEscapesText(t *testing.T) {
	p := writePDF(t, t.TempDir(), false, []string{"<script>x</script>"})
	c := NewConverter(nil)
	job, _ := newJob(t, p, convq.FormatHTML, convq.Options{"preserve_layout": true}, nil)

	out, err := c.HTML(context.Background(), job)
	require.NoError(t, err)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "&lt;script&gt;")
	assert.Contains(t, string(data), `id="page-1"`)
}

func TestRegisterBindsBuiltInFormats(t *testing.T) {
	reg := convq.NewRegistry()
	NewConverter(nil).Register(reg)
	var got []convq.Format
	for _, f := range reg.Formats() {
		got = append(got, f.Format)
	}
	assert.Equal(t, []convq.Format{convq.FormatDOCX, convq.FormatHTML, convq.FormatJPEG, convq.FormatPPT}, got)
}
