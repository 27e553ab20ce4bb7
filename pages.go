package convq

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// MaxPageIndex bounds page indices so an open-ended range cannot expand without limit.
const MaxPageIndex = 100000

// Pages is an ascending, duplicate-free selection of 1-based page indices.
// An empty selection means every page of the document.
type Pages []int

// ParsePages parses a selection such as "1,3-5,7". Each comma separated token
// is a single page or an inclusive "start-end" range. When pageCount is
// positive every index must lie in [1, pageCount]; otherwise bounds are
// accepted and must be checked later with Within.
func ParsePages(expr string, pageCount int) (Pages, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	seen := make(map[int]struct{})
	for _, raw := range strings.Split(expr, ",") {
		tok := strings.TrimSpace(raw)
		if tok == "" {
			return nil, &PageExpressionError{Token: raw, Reason: "empty token"}
		}
		start, end, err := parseToken(tok)
		if err != nil {
			return nil, err
		}
		if pageCount > 0 && end > pageCount {
			return nil, &PageExpressionError{Token: tok, Reason: fmt.Sprintf("exceeds page count %d", pageCount)}
		}
		for p := start; p <= end; p++ {
			seen[p] = struct{}{}
		}
	}
	out := make(Pages, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	slices.Sort(out)
	return out, nil
}

func parseToken(tok string) (int, int, error) {
	lo, hi, isRange := strings.Cut(tok, "-")
	start, err := parseIndex(tok, lo)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return start, start, nil
	}
	end, err := parseIndex(tok, hi)
	if err != nil {
		return 0, 0, err
	}
	if start > end {
		return 0, 0, &PageExpressionError{Token: tok, Reason: "range start after end"}
	}
	return start, end, nil
}

func parseIndex(tok, s string) (int, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &PageExpressionError{Token: tok, Reason: "not a number"}
	}
	if n < 1 {
		return 0, &PageExpressionError{Token: tok, Reason: "page index must be positive"}
	}
	if n > MaxPageIndex {
		return 0, &PageExpressionError{Token: tok, Reason: fmt.Sprintf("page index above %d", MaxPageIndex)}
	}
	return n, nil
}

// All reports whether the selection covers every page.
func (p Pages) All() bool { return len(p) == 0 }

// Within checks the selection against a known page count.
func (p Pages) Within(pageCount int) error {
	if len(p) == 0 {
		return nil
	}
	if last := p[len(p)-1]; last > pageCount {
		return fmt.Errorf("%w: page %d requested, document has %d pages", ErrPageOutOfRange, last, pageCount)
	}
	return nil
}

// Resolve expands the selection against a document of pageCount pages.
func (p Pages) Resolve(pageCount int) ([]int, error) {
	if err := p.Within(pageCount); err != nil {
		return nil, err
	}
	if len(p) > 0 {
		return slices.Clone(p), nil
	}
	out := make([]int, pageCount)
	for i := range out {
		out[i] = i + 1
	}
	return out, nil
}

// String renders the canonical form of the selection, collapsing runs into ranges.
func (p Pages) String() string {
	var b strings.Builder
	for i := 0; i < len(p); {
		j := i
		for j+1 < len(p) && p[j+1] == p[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(p[i]))
		if j > i {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(p[j]))
		}
		i = j + 1
	}
	return b.String()
}
