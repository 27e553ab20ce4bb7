// Package converters provides reference conversion functions for the four
// built-in output formats. Page rasterization and text extraction are
// pluggable through Renderer and TextSource; the defaults work on the PDF
// structure alone and need no external tools.
package converters

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/UniQw/convq"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// Renderer rasterizes one page (1-based) of a PDF at the given resolution.
type Renderer interface {
	Render(ctx context.Context, path string, page, dpi int) (image.Image, error)
}

// TextSource extracts the text lines of one page (1-based) of a PDF.
type TextSource interface {
	PageText(ctx context.Context, path string, page int) ([]string, error)
}

// Converter holds the shared collaborators of the conversion functions.
type Converter struct {
	renderer Renderer
	text     TextSource
	logger   *zap.Logger
}

// Option configures a Converter.
type Option func(*Converter)

// WithRenderer replaces the default blank page renderer.
func WithRenderer(r Renderer) Option {
	return func(c *Converter) { c.renderer = r }
}

// WithTextSource replaces the default content stream text extractor.
func WithTextSource(t TextSource) Option {
	return func(c *Converter) { c.text = t }
}

// NewConverter creates a Converter. A nil logger disables logging.
func NewConverter(logger *zap.Logger, opts ...Option) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Converter{
		renderer: BlankRenderer{},
		text:     &StreamText{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register binds every built-in format to reg.
func (c *Converter) Register(reg *convq.Registry) {
	reg.Register(convq.FormatJPEG, c.JPEG, convq.SchemaJPEG)
	reg.Register(convq.FormatDOCX, c.DOCX, convq.SchemaDOCX)
	reg.Register(convq.FormatPPT, c.PPT, convq.SchemaPPT)
	reg.Register(convq.FormatHTML, c.HTML, convq.SchemaHTML)
}

// pages resolves the job's selection against the real document.
func (c *Converter) pages(job *convq.Job) ([]int, error) {
	n, err := PageCount(job.InputPath)
	if err != nil {
		return nil, err
	}
	return job.Pages.Resolve(n)
}

// eachPage runs fn for every selected page, checking ctx before each one and
// reporting progress after it.
func (c *Converter) eachPage(ctx context.Context, job *convq.Job, pages []int, fn func(i, page int) error) error {
	for i, page := range pages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(i, page); err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
		if job.Progress != nil {
			job.Progress((i + 1) * 100 / len(pages))
		}
	}
	return nil
}

// pageText collects the text of the selected pages.
func (c *Converter) pageText(ctx context.Context, job *convq.Job, pages []int) ([][]string, error) {
	out := make([][]string, len(pages))
	err := c.eachPage(ctx, job, pages, func(i, page int) error {
		lines, err := c.text.PageText(ctx, job.InputPath, page)
		if err != nil {
			return err
		}
		out[i] = lines
		return nil
	})
	return out, err
}

// BlankRenderer renders every page as an empty A4 sheet. It stands in when
// no rasterizer is configured.
type BlankRenderer struct{}

// a4 in points
const (
	a4Width  = 595
	a4Height = 842
	maxSide  = 8000
)

func (BlankRenderer) Render(ctx context.Context, _ string, _ int, dpi int) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := min(a4Width*dpi/72, maxSide)
	h := min(a4Height*dpi/72, maxSide)
	return imaging.New(w, h, color.White), nil
}
