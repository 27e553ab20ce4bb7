package converters

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/UniQw/convq"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// JPEG renders each selected page to a JPEG image. A single page yields the
// image itself; several pages are delivered as a zip archive.
func (c *Converter) JPEG(ctx context.Context, job *convq.Job) (string, error) {
	pages, err := c.pages(job)
	if err != nil {
		return "", err
	}
	quality := job.Options.Int("quality")
	dpi := job.Options.Int("dpi")
	c.logger.Info("Starting JPEG conversion",
		zap.String("task", job.TaskID),
		zap.Int("pages", len(pages)),
		zap.Int("quality", quality),
		zap.Int("dpi", dpi),
	)

	files := make([]string, len(pages))
	err = c.eachPage(ctx, job, pages, func(i, page int) error {
		img, err := c.renderer.Render(ctx, job.InputPath, page, dpi)
		if err != nil {
			return err
		}
		out := filepath.Join(job.OutputDir, fmt.Sprintf("page_%d.jpeg", page))
		if err := imaging.Save(img, out, imaging.JPEGQuality(quality)); err != nil {
			c.logger.Error("Failed to save page",
				zap.String("path", out),
				zap.Error(err),
			)
			return err
		}
		files[i] = out
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(files) == 1 {
		return files[0], nil
	}
	archive := filepath.Join(job.OutputDir, "pages.zip")
	if err := zipFiles(archive, files); err != nil {
		return "", err
	}
	return archive, nil
}

func zipFiles(dst string, files []string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	for _, p := range files {
		if err := addFile(zw, p); err != nil {
			zw.Close()
			f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func addFile(zw *zip.Writer, p string) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	w, err := zw.Create(filepath.Base(p))
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
