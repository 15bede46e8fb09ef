// Package chsql builds parameterized ClickHouse statements from composable
// fragments. A statement carries SQL text with 1-indexed {pN:Type}
// server-side placeholders and the ordered list of bound values. Fragments
// compose by splicing: the inner statement's placeholders are renumbered
// past the outer statement's accumulated parameter count, so the combined
// parameter list stays contiguous.
package chsql

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrEmptyJoin is returned when Join is given no members.
	ErrEmptyJoin = errors.New("chsql: join must have at least one member")

	// ErrBadPlaceholder is returned when a spliced sub-statement's
	// placeholder numbering is malformed.
	ErrBadPlaceholder = errors.New("chsql: malformed placeholder numbering")

	// ErrBadValue is returned when a template slot receives a nil or
	// unsupported value.
	ErrBadValue = errors.New("chsql: unsupported template value")
)

// DefaultLongArrayCeiling is the per-statement character budget used when
// splitting long arrays. It tracks the store's default query-size limit;
// override it per builder if the target cluster is configured differently.
const DefaultLongArrayCeiling = 10_000

// longArrayElementOverhead estimates the serialized cost of one array
// element beyond its own bytes: two quotes and a separator.
const longArrayElementOverhead = 3

// Statement is an immutable SQL statement with ordered bound parameters.
// Each parameter is either a string or a []string.
type Statement struct {
	text   string
	params []any
}

// Text returns the SQL text with {pN:Type} placeholders.
func (s *Statement) Text() string { return s.text }

// Params returns a copy of the ordered bound parameter values.
func (s *Statement) Params() []any {
	out := make([]any, len(s.params))
	copy(out, s.params)
	return out
}

// ParamCount returns the number of bound parameters.
func (s *Statement) ParamCount() int { return len(s.params) }

// QueryParams maps the ordered parameters to their placeholder names
// (p1, p2, ...) for transmission to the store.
func (s *Statement) QueryParams() map[string]any {
	out := make(map[string]any, len(s.params))
	for i, p := range s.params {
		out["p"+strconv.Itoa(i+1)] = p
	}
	return out
}

// Expr is one fragment kind understood by the builder. The set of
// implementations is closed: raw SQL, bound scalar, bound array, long
// array, and join. Sub-statements splice directly as *Statement values.
type Expr interface {
	appendTo(b *builder) error
}

// Raw splices sql into the statement text verbatim, without escaping.
// Only ever pass trusted identifiers and fragments, never caller input.
func Raw(sql string) Expr { return rawExpr(sql) }

// String binds v as a scalar String parameter.
func String(v string) Expr { return stringExpr(v) }

// Array binds vs as a single Array(String) parameter.
func Array(vs []string) Expr { return arrayExpr(vs) }

// LongArray binds vs as one or more Array(String) parameters, split so
// that no single parameter's estimated serialized size exceeds the
// builder's ceiling. Multiple batches are joined with arrayConcat. The
// store's query-text size limit is independent of its parameter-count
// limit, and some callers pass thousands of hash values.
func LongArray(vs []string) Expr { return longArrayExpr(vs) }

// Join concatenates members with sep between them. Members follow the
// same rules as Build items: strings are raw SQL, Expr values and
// *Statement values are built in place.
func Join(sep string, members ...any) Expr {
	return joinExpr{sep: sep, members: members}
}

// Builder configures statement building. The zero value is ready to use.
type Builder struct {
	// LongArrayCeiling caps the estimated serialized size of one long
	// array batch. Zero means DefaultLongArrayCeiling.
	LongArrayCeiling int
}

// Build assembles a statement from the given items. A plain string is
// raw SQL text (the static part of the template), an Expr is built in
// place, and a *Statement is spliced with its placeholders renumbered.
func (cfg Builder) Build(items ...any) (*Statement, error) {
	b := &builder{ceiling: cfg.LongArrayCeiling}
	if b.ceiling <= 0 {
		b.ceiling = DefaultLongArrayCeiling
	}
	for i, item := range items {
		if err := b.append(item); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}
	return &Statement{text: b.text.String(), params: b.params}, nil
}

// Build assembles a statement with the default configuration.
func Build(items ...any) (*Statement, error) {
	return Builder{}.Build(items...)
}

type builder struct {
	text    strings.Builder
	params  []any
	ceiling int
}

func (b *builder) append(item any) error {
	switch v := item.(type) {
	case string:
		b.text.WriteString(v)
		return nil
	case *Statement:
		if v == nil {
			return fmt.Errorf("%w: nil statement", ErrBadValue)
		}
		return b.splice(v)
	case Expr:
		return v.appendTo(b)
	case nil:
		return fmt.Errorf("%w: nil", ErrBadValue)
	default:
		return fmt.Errorf("%w: %T", ErrBadValue, item)
	}
}

// bind appends one placeholder for v and records it in the parameter list.
func (b *builder) bind(v any, chType string) {
	n := len(b.params) + 1
	fmt.Fprintf(&b.text, "{p%d:%s}", n, chType)
	b.params = append(b.params, v)
}

var placeholderRe = regexp.MustCompile(`\{p(\d+):([^}]+)\}`)

// splice appends sub's text with every placeholder index shifted past the
// parameters accumulated so far, then appends sub's parameters. This
// offsetting is the correctness-critical invariant of the builder: getting
// it wrong silently binds the wrong value to the wrong placeholder.
func (b *builder) splice(sub *Statement) error {
	if err := validatePlaceholders(sub); err != nil {
		return err
	}
	offset := len(b.params)
	shifted := placeholderRe.ReplaceAllStringFunc(sub.text, func(m string) string {
		groups := placeholderRe.FindStringSubmatch(m)
		idx, _ := strconv.Atoi(groups[1])
		return fmt.Sprintf("{p%d:%s}", idx+offset, groups[2])
	})
	b.text.WriteString(shifted)
	b.params = append(b.params, sub.params...)
	return nil
}

// validatePlaceholders checks that a statement's placeholder indices start
// at 1 and never reference past its parameter list. This catches malformed
// fragments before they reach the store.
func validatePlaceholders(s *Statement) error {
	matches := placeholderRe.FindAllStringSubmatch(s.text, -1)
	if len(matches) == 0 {
		return nil
	}
	indices := make([]int, 0, len(matches))
	for _, m := range matches {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return fmt.Errorf("%w: %q", ErrBadPlaceholder, m[0])
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	if indices[0] != 1 {
		return fmt.Errorf("%w: minimum index is %d, want 1", ErrBadPlaceholder, indices[0])
	}
	if max := indices[len(indices)-1]; max > len(s.params) {
		return fmt.Errorf("%w: index %d exceeds parameter count %d",
			ErrBadPlaceholder, max, len(s.params))
	}
	return nil
}

type rawExpr string

func (e rawExpr) appendTo(b *builder) error {
	b.text.WriteString(string(e))
	return nil
}

type stringExpr string

func (e stringExpr) appendTo(b *builder) error {
	b.bind(string(e), "String")
	return nil
}

type arrayExpr []string

func (e arrayExpr) appendTo(b *builder) error {
	b.bind([]string(e), "Array(String)")
	return nil
}

type longArrayExpr []string

func (e longArrayExpr) appendTo(b *builder) error {
	batches := packStrings(e, b.ceiling)
	if len(batches) == 1 {
		b.bind(batches[0], "Array(String)")
		return nil
	}
	b.text.WriteString("arrayConcat(")
	for i, batch := range batches {
		if i > 0 {
			b.text.WriteString(",")
		}
		b.bind(batch, "Array(String)")
	}
	b.text.WriteString(")")
	return nil
}

// packStrings greedily packs vs into batches whose estimated serialized
// size stays under ceiling. An element that alone exceeds the ceiling
// still occupies a batch of its own; splitting a value is not possible.
func packStrings(vs []string, ceiling int) [][]string {
	if len(vs) == 0 {
		return [][]string{{}}
	}
	var batches [][]string
	var current []string
	size := 0
	for _, v := range vs {
		cost := len(v) + longArrayElementOverhead
		if len(current) > 0 && size+cost > ceiling {
			batches = append(batches, current)
			current = nil
			size = 0
		}
		current = append(current, v)
		size += cost
	}
	return append(batches, current)
}

type joinExpr struct {
	sep     string
	members []any
}

func (e joinExpr) appendTo(b *builder) error {
	if len(e.members) == 0 {
		return ErrEmptyJoin
	}
	for i, m := range e.members {
		if i > 0 {
			b.text.WriteString(e.sep)
		}
		if err := b.append(m); err != nil {
			return fmt.Errorf("join member %d: %w", i, err)
		}
	}
	return nil
}
