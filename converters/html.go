package converters

import (
	"context"
	"html/template"
	"os"
	"path/filepath"

	"github.com/UniQw/convq"
	"go.uber.org/zap"
)

var htmlPage = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
{{- if .Preserve}}
<style>
.page { width: 210mm; min-height: 297mm; margin: 1em auto; padding: 2em; box-shadow: 0 0 4px #999; }
.line { white-space: pre; font-family: serif; }
</style>
{{- end}}
</head>
<body>
{{- range .Pages}}
<div class="page" id="page-{{.Number}}">
{{- if $.Preserve}}
{{- range .Lines}}
<div class="line">{{.}}</div>
{{- end}}
{{- else}}
<p>{{range $i, $l := .Lines}}{{if $i}} {{end}}{{$l}}{{end}}</p>
{{- end}}
</div>
{{- end}}
</body>
</html>
`))

type htmlDoc struct {
	Title    string
	Preserve bool
	Pages    []htmlPageData
}

type htmlPageData struct {
	Number int
	Lines  []string
}

// HTML renders the text of the selected pages as a web page.
func (c *Converter) HTML(ctx context.Context, job *convq.Job) (string, error) {
	pages, err := c.pages(job)
	if err != nil {
		return "", err
	}
	preserve := job.Options.Bool("preserve_layout")
	c.logger.Info("Starting HTML conversion",
		zap.String("task", job.TaskID),
		zap.Int("pages", len(pages)),
		zap.Bool("preserve_layout", preserve),
	)
	text, err := c.pageText(ctx, job, pages)
	if err != nil {
		return "", err
	}
	doc := htmlDoc{Title: outputName(job, ""), Preserve: preserve}
	for i, lines := range text {
		doc.Pages = append(doc.Pages, htmlPageData{Number: pages[i], Lines: lines})
	}

	out := filepath.Join(job.OutputDir, outputName(job, ".html"))
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	if err := htmlPage.Execute(f, doc); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return out, nil
}
