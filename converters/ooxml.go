package converters

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/UniQw/convq"
	"go.uber.org/zap"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n"

const (
	nsPkgRels = "http://schemas.openxmlformats.org/package/2006/relationships"
	nsDocRels = "http://schemas.openxmlformats.org/officeDocument/2006/relationships"
	nsWord    = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
	nsPres    = "http://schemas.openxmlformats.org/presentationml/2006/main"
	nsDraw    = "http://schemas.openxmlformats.org/drawingml/2006/main"
	relOffice = nsDocRels + "/officeDocument"
)

// DOCX writes the text of the selected pages into a Word document, one page
// per section of the body separated by page breaks. With preserve_layout the
// original line structure is kept; otherwise each page becomes one paragraph.
func (c *Converter) DOCX(ctx context.Context, job *convq.Job) (string, error) {
	pages, err := c.pages(job)
	if err != nil {
		return "", err
	}
	preserve := job.Options.Bool("preserve_layout")
	c.logger.Info("Starting DOCX conversion",
		zap.String("task", job.TaskID),
		zap.Int("pages", len(pages)),
		zap.Bool("preserve_layout", preserve),
	)
	text, err := c.pageText(ctx, job, pages)
	if err != nil {
		return "", err
	}

	var body strings.Builder
	for i, lines := range text {
		if i > 0 {
			body.WriteString(`<w:p><w:r><w:br w:type="page"/></w:r></w:p>`)
		}
		if !preserve {
			lines = []string{strings.Join(lines, " ")}
		}
		for _, l := range lines {
			fmt.Fprintf(&body, `<w:p><w:r><w:t xml:space="preserve">%s</w:t></w:r></w:p>`, esc(l))
		}
	}

	parts := []part{
		{"[Content_Types].xml", `<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">` +
			`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>` +
			`<Default Extension="xml" ContentType="application/xml"/>` +
			`<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>` +
			`</Types>`},
		{"_rels/.rels", `<Relationships xmlns="` + nsPkgRels + `">` +
			`<Relationship Id="rId1" Type="` + relOffice + `" Target="word/document.xml"/>` +
			`</Relationships>`},
		{"word/document.xml", `<w:document xmlns:w="` + nsWord + `"><w:body>` + body.String() + `</w:body></w:document>`},
	}
	return writePackage(filepath.Join(job.OutputDir, outputName(job, ".docx")), parts)
}

// PPT writes a presentation with one text slide per selected page.
func (c *Converter) PPT(ctx context.Context, job *convq.Job) (string, error) {
	pages, err := c.pages(job)
	if err != nil {
		return "", err
	}
	c.logger.Info("Starting PPTX conversion",
		zap.String("task", job.TaskID),
		zap.Int("pages", len(pages)),
	)
	text, err := c.pageText(ctx, job, pages)
	if err != nil {
		return "", err
	}

	var (
		overrides strings.Builder
		slideIDs  strings.Builder
		presRels  strings.Builder
	)
	presRels.WriteString(`<Relationship Id="rId1" Type="` + nsDocRels + `/slideMaster" Target="slideMasters/slideMaster1.xml"/>`)
	parts := []part{
		{"_rels/.rels", `<Relationships xmlns="` + nsPkgRels + `">` +
			`<Relationship Id="rId1" Type="` + relOffice + `" Target="ppt/presentation.xml"/>` +
			`</Relationships>`},
		{"ppt/slideMasters/slideMaster1.xml", `<p:sldMaster xmlns:a="` + nsDraw + `" xmlns:r="` + nsDocRels + `" xmlns:p="` + nsPres + `">` +
			emptyTree + `<p:sldLayoutIdLst><p:sldLayoutId id="2147483649" r:id="rId1"/></p:sldLayoutIdLst></p:sldMaster>`},
		{"ppt/slideMasters/_rels/slideMaster1.xml.rels", `<Relationships xmlns="` + nsPkgRels + `">` +
			`<Relationship Id="rId1" Type="` + nsDocRels + `/slideLayout" Target="../slideLayouts/slideLayout1.xml"/>` +
			`</Relationships>`},
		{"ppt/slideLayouts/slideLayout1.xml", `<p:sldLayout xmlns:a="` + nsDraw + `" xmlns:r="` + nsDocRels + `" xmlns:p="` + nsPres + `">` +
			emptyTree + `</p:sldLayout>`},
		{"ppt/slideLayouts/_rels/slideLayout1.xml.rels", `<Relationships xmlns="` + nsPkgRels + `">` +
			`<Relationship Id="rId1" Type="` + nsDocRels + `/slideMaster" Target="../slideMasters/slideMaster1.xml"/>` +
			`</Relationships>`},
	}
	for i, lines := range text {
		n := i + 1
		fmt.Fprintf(&overrides, `<Override PartName="/ppt/slides/slide%d.xml" ContentType="application/vnd.openxmlformats-officedocument.presentationml.slide+xml"/>`, n)
		fmt.Fprintf(&slideIDs, `<p:sldId id="%d" r:id="rId%d"/>`, 255+n, n+1)
		fmt.Fprintf(&presRels, `<Relationship Id="rId%d" Type="%s/slide" Target="slides/slide%d.xml"/>`, n+1, nsDocRels, n)

		var paras strings.Builder
		for _, l := range lines {
			fmt.Fprintf(&paras, `<a:p><a:r><a:t>%s</a:t></a:r></a:p>`, esc(l))
		}
		if paras.Len() == 0 {
			paras.WriteString(`<a:p/>`)
		}
		parts = append(parts,
			part{fmt.Sprintf("ppt/slides/slide%d.xml", n), `<p:sld xmlns:a="` + nsDraw + `" xmlns:r="` + nsDocRels + `" xmlns:p="` + nsPres + `">` +
				`<p:cSld><p:spTree><p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr><p:grpSpPr/>` +
				`<p:sp><p:nvSpPr><p:cNvPr id="2" name="Text"/><p:cNvSpPr txBox="1"/><p:nvPr/></p:nvSpPr>` +
				`<p:spPr><a:xfrm><a:off x="457200" y="457200"/><a:ext cx="8229600" cy="5943600"/></a:xfrm><a:prstGeom prst="rect"><a:avLst/></a:prstGeom></p:spPr>` +
				`<p:txBody><a:bodyPr/><a:lstStyle/>` + paras.String() + `</p:txBody></p:sp>` +
				`</p:spTree></p:cSld></p:sld>`},
			part{fmt.Sprintf("ppt/slides/_rels/slide%d.xml.rels", n), `<Relationships xmlns="` + nsPkgRels + `">` +
				`<Relationship Id="rId1" Type="` + nsDocRels + `/slideLayout" Target="../slideLayouts/slideLayout1.xml"/>` +
				`</Relationships>`},
		)
	}
	parts = append(parts,
		part{"[Content_Types].xml", `<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">` +
			`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>` +
			`<Default Extension="xml" ContentType="application/xml"/>` +
			`<Override PartName="/ppt/presentation.xml" ContentType="application/vnd.openxmlformats-officedocument.presentationml.presentation.main+xml"/>` +
			`<Override PartName="/ppt/slideMasters/slideMaster1.xml" ContentType="application/vnd.openxmlformats-officedocument.presentationml.slideMaster+xml"/>` +
			`<Override PartName="/ppt/slideLayouts/slideLayout1.xml" ContentType="application/vnd.openxmlformats-officedocument.presentationml.slideLayout+xml"/>` +
			overrides.String() + `</Types>`},
		part{"ppt/presentation.xml", `<p:presentation xmlns:a="` + nsDraw + `" xmlns:r="` + nsDocRels + `" xmlns:p="` + nsPres + `">` +
			`<p:sldMasterIdLst><p:sldMasterId id="2147483648" r:id="rId1"/></p:sldMasterIdLst>` +
			`<p:sldIdLst>` + slideIDs.String() + `</p:sldIdLst>` +
			`<p:sldSz cx="9144000" cy="6858000"/><p:notesSz cx="6858000" cy="9144000"/></p:presentation>`},
		part{"ppt/_rels/presentation.xml.rels", `<Relationships xmlns="` + nsPkgRels + `">` + presRels.String() + `</Relationships>`},
	)
	return writePackage(filepath.Join(job.OutputDir, outputName(job, ".pptx")), parts)
}

const emptyTree = `<p:cSld><p:spTree><p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr><p:grpSpPr/></p:spTree></p:cSld>`

type part struct {
	name string
	body string
}

func writePackage(dst string, parts []part) (string, error) {
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	zw := zip.NewWriter(f)
	for _, p := range parts {
		w, err := zw.Create(p.name)
		if err == nil {
			_, err = w.Write([]byte(xmlHeader + p.body))
		}
		if err != nil {
			zw.Close()
			f.Close()
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

func esc(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// outputName derives the result file name from the staged input name.
func outputName(job *convq.Job, ext string) string {
	base := strings.TrimSuffix(filepath.Base(job.InputPath), filepath.Ext(job.InputPath))
	base = strings.TrimPrefix(base, "input-")
	if base == "" || base == "." {
		base = "document"
	}
	return base + ext
}
