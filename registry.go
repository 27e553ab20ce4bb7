package convq

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Job is the unit of work handed to a conversion function.
type Job struct {
	TaskID string
	Format Format
	// InputPath is the staged source document.
	InputPath string
	// OutputDir is a per-task scratch directory the function may write into.
	OutputDir string
	Options   Options
	// Pages is the requested selection; empty means all pages.
	Pages Pages
	// Progress reports completion of the conversion itself (0..100).
	// Values must not decrease.
	Progress func(int)
}

// ConvertFunc converts job.InputPath and returns the path of the produced file.
// Implementations must check ctx between pages and return ctx.Err() once it is done.
type ConvertFunc func(ctx context.Context, job *Job) (string, error)

// Middleware is a function that wraps a ConvertFunc to provide cross-cutting concerns.
type Middleware func(ConvertFunc) ConvertFunc

// ParamKind is the value domain of a conversion parameter.
type ParamKind int

const (
	KindInt ParamKind = iota + 1
	KindBool
	KindString
)

func (k ParamKind) String() string {
	switch k {
	case KindInt:
		return "integer"
	case KindBool:
		return "boolean"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Param declares one accepted conversion option.
type Param struct {
	Name        string
	Kind        ParamKind
	Description string
	// Min and Max bound integer params when Max > 0.
	Min, Max int
	// Allowed restricts integer params to a fixed set when non-empty.
	Allowed []int
	Default any
}

// Schema describes an output format and the options it accepts.
type Schema struct {
	Name        string
	Extension   string
	Description string
	Params      []Param
}

// PagesParam is accepted by every format.
const PagesParam = "pages"

// Param looks up a declared parameter by name.
func (s Schema) Param(name string) (Param, bool) {
	if name == PagesParam {
		return Param{Name: PagesParam, Kind: KindString, Description: "Specific pages to convert (e.g. '1,3-5,7')"}, true
	}
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// RawOptions are unvalidated options as received from a caller.
type RawOptions map[string]any

// Options are validated conversion options. Every declared parameter is present.
type Options map[string]any

// Int returns an integer option, accepting the numeric types produced by JSON decoding.
func (o Options) Int(name string) int {
	n, _ := toInt(o[name])
	return n
}

// Bool returns a boolean option.
func (o Options) Bool(name string) bool {
	b, _ := o[name].(bool)
	return b
}

// String returns a string option.
func (o Options) String(name string) string {
	s, _ := o[name].(string)
	return s
}

// Pages returns the page selection stored in the options.
func (o Options) Pages() (Pages, error) {
	return ParsePages(o.String(PagesParam), 0)
}

type entry struct {
	exec   ConvertFunc
	schema Schema
}

// Registry maps output formats to conversion functions and their option schemas.
// Formats are registered at process start; lookups are safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	entries     map[Format]entry
	middlewares []Middleware
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Format]entry)}
}

// Register binds a conversion function and its schema to a format.
// Registering the same format again replaces the previous binding.
func (r *Registry) Register(f Format, fn ConvertFunc, s Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[f] = entry{exec: fn, schema: s}
}

// Use adds middleware(s) to the registry. Middlewares are executed in the order they are added.
func (r *Registry) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mw)
}

// Resolve returns the wrapped conversion function and schema for f.
func (r *Registry) Resolve(f Format) (ConvertFunc, Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[f]
	if !ok {
		return nil, Schema{}, &ValidationError{Field: "format", Reason: "unsupported format " + strconv.Quote(string(f)), Err: ErrUnsupportedFormat}
	}
	h := e.exec
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		h = r.middlewares[i](h)
	}
	return h, e.schema, nil
}

// FormatInfo describes a registered format for listing surfaces.
type FormatInfo struct {
	Format Format
	Schema Schema
}

// Formats lists registered formats in a stable order.
func (r *Registry) Formats() []FormatInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FormatInfo, 0, len(r.entries))
	for f, e := range r.entries {
		out = append(out, FormatInfo{Format: f, Schema: e.schema})
	}
	slices.SortFunc(out, func(a, b FormatInfo) int { return strings.Compare(string(a.Format), string(b.Format)) })
	return out
}

// ValidateOptions checks raw against the schema of f. Unknown fields and
// out-of-domain values are rejected; omitted params take their defaults.
func (r *Registry) ValidateOptions(f Format, raw RawOptions) (Options, error) {
	_, schema, err := r.Resolve(f)
	if err != nil {
		return nil, err
	}
	out := make(Options, len(schema.Params)+1)
	for name, v := range raw {
		p, ok := schema.Param(name)
		if !ok {
			return nil, invalidOption(name, "not accepted by format %s", f)
		}
		if v == nil {
			continue
		}
		val, err := p.coerce(v)
		if err != nil {
			return nil, err
		}
		out[name] = val
	}
	if expr, ok := out[PagesParam].(string); ok {
		pages, err := ParsePages(expr, 0)
		if err != nil {
			return nil, err
		}
		out[PagesParam] = pages.String()
	}
	for _, p := range schema.Params {
		if _, ok := out[p.Name]; !ok && p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out, nil
}

func (p Param) coerce(v any) (any, error) {
	switch p.Kind {
	case KindInt:
		n, ok := toInt(v)
		if !ok {
			return nil, invalidOption(p.Name, "expected %s, got %v", p.Kind, v)
		}
		if len(p.Allowed) > 0 && !slices.Contains(p.Allowed, n) {
			return nil, invalidOption(p.Name, "%d not in %v", n, p.Allowed)
		}
		if p.Max > 0 && (n < p.Min || n > p.Max) {
			return nil, invalidOption(p.Name, "%d outside [%d,%d]", n, p.Min, p.Max)
		}
		return n, nil
	case KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err == nil {
				return parsed, nil
			}
		}
		return nil, invalidOption(p.Name, "expected %s, got %v", p.Kind, v)
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, invalidOption(p.Name, "expected %s, got %v", p.Kind, v)
		}
		return s, nil
	default:
		return nil, invalidOption(p.Name, "undeclared kind")
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint32:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case float32:
		return toInt(float64(n))
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	default:
		return 0, false
	}
}

// Built-in schemas for the closed set of formats.
var (
	SchemaDOCX = Schema{
		Name:        "Microsoft Word Document",
		Extension:   ".docx",
		Description: "Convert PDF to editable Word document with layout preservation.",
		Params: []Param{
			{Name: "preserve_layout", Kind: KindBool, Default: true, Description: "Whether to preserve the original layout"},
		},
	}
	SchemaJPEG = Schema{
		Name:        "JPEG Image",
		Extension:   ".jpeg",
		Description: "Convert PDF pages to JPEG images; multiple pages are delivered as a zip archive.",
		Params: []Param{
			{Name: "quality", Kind: KindInt, Min: 1, Max: 100, Default: 90, Description: "Image quality (1-100)"},
			{Name: "dpi", Kind: KindInt, Allowed: []int{72, 96, 150, 200, 300, 600}, Default: 300, Description: "Resolution in dots per inch"},
		},
	}
	SchemaPPT = Schema{
		Name:        "PowerPoint Presentation",
		Extension:   ".pptx",
		Description: "Convert PDF to PowerPoint presentation, one slide per page.",
	}
	SchemaHTML = Schema{
		Name:        "HTML Webpage",
		Extension:   ".html",
		Description: "Convert PDF to HTML with layout preservation.",
		Params: []Param{
			{Name: "preserve_layout", Kind: KindBool, Default: true, Description: "Whether to preserve the original layout"},
		},
	}
)

// DefaultSchema returns the built-in schema of f.
func DefaultSchema(f Format) (Schema, error) {
	switch f {
	case FormatDOCX:
		return SchemaDOCX, nil
	case FormatJPEG:
		return SchemaJPEG, nil
	case FormatPPT:
		return SchemaPPT, nil
	case FormatHTML:
		return SchemaHTML, nil
	default:
		return Schema{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
}
