package converters

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// ErrNotPDF is returned when a file does not carry a PDF header.
var ErrNotPDF = errors.New("converters: not a PDF document")

var (
	pageObject  = regexp.MustCompile(`/Type\s*/Page(?:[^s]|$)`)
	pageTotal   = regexp.MustCompile(`/Count\s+(\d+)`)
	streamBody  = regexp.MustCompile(`(?s)stream\r?\n(.*?)\r?\nendstream`)
	showText    = regexp.MustCompile(`(?s)\((.*?[^\\])\)\s*Tj|\[(.*?)\]\s*TJ`)
	arrayString = regexp.MustCompile(`(?s)\((.*?[^\\])\)`)
)

// PageCount reports the number of pages of the PDF at path. It counts page
// objects and falls back to the largest page tree /Count entry.
func PageCount(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return countPages(data)
}

func countPages(data []byte) (int, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF-")) {
		return 0, ErrNotPDF
	}
	n := len(pageObject.FindAll(data, -1))
	if n > 0 {
		return n, nil
	}
	for _, m := range pageTotal.FindAllSubmatch(data, -1) {
		if c, err := strconv.Atoi(string(m[1])); err == nil && c > n {
			n = c
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: no pages found", ErrNotPDF)
	}
	return n, nil
}

// StreamText pulls text shown by Tj and TJ operators out of the document's
// content streams, assigning the n-th text bearing stream to page n.
// Flate compressed streams are inflated. The last parsed document is cached.
type StreamText struct {
	mu    sync.Mutex
	path  string
	pages [][]string
}

func (s *StreamText) PageText(ctx context.Context, path string, page int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != path {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		s.pages = extractText(data)
		s.path = path
	}
	if page < 1 || page > len(s.pages) {
		return nil, nil
	}
	return s.pages[page-1], nil
}

func extractText(data []byte) [][]string {
	var pages [][]string
	for _, loc := range streamBody.FindAllSubmatchIndex(data, -1) {
		body := data[loc[2]:loc[3]]
		dict := data[max(0, loc[0]-256):loc[0]]
		if bytes.Contains(dict, []byte("/FlateDecode")) {
			inflated, err := inflate(body)
			if err != nil {
				continue
			}
			body = inflated
		}
		if !bytes.Contains(body, []byte("Tj")) && !bytes.Contains(body, []byte("TJ")) {
			continue
		}
		var lines []string
		for _, m := range showText.FindAllSubmatch(body, -1) {
			var line string
			if m[1] != nil {
				line = unescape(m[1])
			} else {
				var b strings.Builder
				for _, part := range arrayString.FindAllSubmatch(m[2], -1) {
					b.WriteString(unescape(part[1]))
				}
				line = b.String()
			}
			if strings.TrimSpace(line) != "" {
				lines = append(lines, line)
			}
		}
		pages = append(pages, lines)
	}
	return pages
}

func inflate(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, 64<<20))
}

func unescape(b []byte) string {
	var out strings.Builder
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != '\\' || i+1 == len(b) {
			out.WriteByte(c)
			continue
		}
		i++
		switch b[i] {
		case 'n':
			out.WriteByte('\n')
		case 'r':
			out.WriteByte('\r')
		case 't':
			out.WriteByte('\t')
		default:
			out.WriteByte(b[i])
		}
	}
	return out.String()
}
