package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/recordvault/recordvault/internal/index"
	"github.com/recordvault/recordvault/internal/record"
	"github.com/recordvault/recordvault/internal/vaulterr"
)

// Operator compares a record field with a filter value.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
)

var operators = []Operator{OpEq, OpNe, OpIn, OpContains, OpGt, OpGte, OpLt, OpLte}

// ParseOperator validates an operator name.
func ParseOperator(s string) (Operator, error) {
	op := Operator(s)
	if slices.Contains(operators, op) {
		return op, nil
	}
	return "", fmt.Errorf("unknown operator %q: %w", s, vaulterr.ErrInvalid)
}

// Pseudo-fields answered by the text and temporal indexes.
const (
	FieldText = "text"
	FieldDate = "date"
)

// Fields held by the categorical index.
var categoricalFields = map[string]bool{
	"type":     true,
	"status":   true,
	"category": true,
	"tag":      true,
	"priority": true,
	"source":   true,
}

// Filter is one condition. For OpIn, Value is a list.
type Filter struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value"`
}

// Sort orders results. An empty field orders by id.
type Sort struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

// Query selects records. Every filter must match.
type Query struct {
	Filters []Filter `json:"filters"`
	Sort    Sort     `json:"sort"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Result is one page of matches. Total counts every match, ignoring Limit
// and Offset.
type Result struct {
	IDs     []string         `json:"ids"`
	Records []*record.Record `json:"records"`
	Total   int              `json:"total"`
}

// Query returns the applied records matching q. Writes still in the queue
// are not visible to it.
func (e *Engine) Query(ctx context.Context, q Query) (_ *Result, err error) {
	exit, err := e.enter("query")
	if err != nil {
		return nil, err
	}
	defer exit(&err)

	if q.Limit < 0 || q.Offset < 0 {
		return nil, fmt.Errorf("negative limit or offset: %w", vaulterr.ErrInvalid)
	}
	for _, f := range q.Filters {
		if _, err := ParseOperator(string(f.Op)); err != nil {
			return nil, err
		}
		if f.Field == "" {
			return nil, fmt.Errorf("filter without field: %w", vaulterr.ErrInvalid)
		}
	}

	candidates, narrowed, err := e.candidates(q.Filters)
	if err != nil {
		return nil, err
	}

	var matched []*record.Record
	visit := func(rec *record.Record) {
		for _, f := range q.Filters {
			if !matches(rec, f) {
				return
			}
		}
		matched = append(matched, rec)
	}
	if narrowed {
		for _, id := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rec, err := e.loadRecord(ctx, id)
			if errors.Is(err, vaulterr.ErrNotFound) {
				continue
			}
			if err != nil && !errors.Is(err, vaulterr.ErrNeedsRepair) {
				return nil, err
			}
			if rec != nil {
				visit(rec)
			}
		}
	} else {
		for rec, err := range e.entities.ListAllMetadata() {
			if err != nil {
				return nil, err
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			visit(rec)
		}
	}

	sortRecords(matched, q.Sort)

	res := &Result{Total: len(matched), IDs: []string{}, Records: []*record.Record{}}
	page := matched[min(q.Offset, len(matched)):]
	if q.Limit > 0 && len(page) > q.Limit {
		page = page[:q.Limit]
	}
	for _, rec := range page {
		res.IDs = append(res.IDs, rec.ID)
		res.Records = append(res.Records, rec.Clone())
	}
	return res, nil
}

// candidates intersects the index lookups the filters allow. narrowed is
// false when no filter could use an index and every record must be scanned.
func (e *Engine) candidates(filters []Filter) (ids []string, narrowed bool, err error) {
	var sets [][]string
	for _, f := range filters {
		kind, crit, ok := indexCriteria(f)
		if !ok {
			continue
		}
		got, err := e.index.Query(kind, crit)
		if err != nil {
			return nil, false, err
		}
		sets = append(sets, got)
	}
	if len(sets) == 0 {
		return nil, false, nil
	}
	ids = sets[0]
	for _, s := range sets[1:] {
		ids = intersectSorted(ids, s)
	}
	return ids, true, nil
}

func indexCriteria(f Filter) (index.Kind, index.Criteria, bool) {
	switch {
	case f.Field == FieldText && f.Op == OpContains:
		text := toString(f.Value)
		if len(index.Tokenize(text)) == 0 {
			return "", index.Criteria{}, false
		}
		return index.Text, index.Criteria{Text: text}, true

	case f.Field == FieldDate:
		t, ok := toTime(f.Value)
		if !ok {
			return "", index.Criteria{}, false
		}
		switch f.Op {
		case OpGt, OpGte:
			return index.Temporal, index.Criteria{From: t}, true
		case OpLt, OpLte:
			return index.Temporal, index.Criteria{To: t}, true
		case OpEq:
			return index.Temporal, index.Criteria{From: t, To: t}, true
		}

	case categoricalFields[f.Field] && (f.Op == OpEq || f.Op == OpIn):
		var values []string
		if f.Op == OpEq {
			values = []string{toString(f.Value)}
		} else {
			for _, v := range toList(f.Value) {
				values = append(values, toString(v))
			}
		}
		return index.Categorical, index.Criteria{Field: f.Field, Values: values}, true
	}
	return "", index.Criteria{}, false
}

func intersectSorted(a, b []string) []string {
	out := []string{}
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch c := strings.Compare(a[i], b[j]); {
		case c == 0:
			out = append(out, a[i])
			i++
			j++
		case c < 0:
			i++
		default:
			j++
		}
	}
	return out
}

// fieldValues returns what a filter on field compares against: the indexed
// values for categorical fields, the token set for text, otherwise the flat
// attribute.
func fieldValues(rec *record.Record, field string) ([]any, bool) {
	if field == FieldText {
		var out []any
		for _, tok := range index.Tokenize(rec.Text()) {
			out = append(out, tok)
		}
		return out, true
	}
	if categoricalFields[field] {
		if values, ok := rec.Categories()[field]; ok {
			out := make([]any, 0, len(values))
			for _, v := range values {
				out = append(out, v)
			}
			return out, true
		}
	}
	v, ok := rec.Attributes()[field]
	if !ok || v == nil {
		return nil, false
	}
	if list, ok := v.([]any); ok {
		return list, true
	}
	return []any{v}, true
}

func matches(rec *record.Record, f Filter) bool {
	values, ok := fieldValues(rec, f.Field)

	if f.Field == FieldText && f.Op == OpContains {
		have := make(map[string]bool, len(values))
		for _, v := range values {
			have[toString(v)] = true
		}
		for _, tok := range index.Tokenize(toString(f.Value)) {
			if !have[tok] {
				return false
			}
		}
		return true
	}

	if f.Op == OpNe {
		return !anyOf(values, func(v any) bool { return equal(v, f.Value) })
	}
	if !ok {
		return false
	}
	switch f.Op {
	case OpEq:
		return anyOf(values, func(v any) bool { return equal(v, f.Value) })
	case OpIn:
		want := toList(f.Value)
		return anyOf(values, func(v any) bool {
			return anyOf(want, func(w any) bool { return equal(v, w) })
		})
	case OpContains:
		needle := strings.ToLower(toString(f.Value))
		return anyOf(values, func(v any) bool {
			if s, ok := v.(string); ok {
				return strings.Contains(strings.ToLower(s), needle)
			}
			return equal(v, f.Value)
		})
	case OpGt:
		return anyOf(values, func(v any) bool { return compare(v, f.Value) > 0 })
	case OpGte:
		return anyOf(values, func(v any) bool { return compare(v, f.Value) >= 0 })
	case OpLt:
		return anyOf(values, func(v any) bool { return compare(v, f.Value) < 0 })
	case OpLte:
		return anyOf(values, func(v any) bool { return compare(v, f.Value) <= 0 })
	}
	return false
}

func anyOf(values []any, pred func(any) bool) bool {
	return slices.ContainsFunc(values, pred)
}

func equal(a, b any) bool {
	return compare(a, b) == 0
}

// compare orders two loosely typed values: as instants when both parse as
// RFC 3339 times, as numbers when both are numeric, otherwise as strings.
func compare(a, b any) int {
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Compare(tb)
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return cmp.Compare(fa, fb)
		}
	}
	return strings.Compare(toString(a), toString(b))
}

func toString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case nil:
		return ""
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch v := v.(type) {
	case time.Time:
		return v, !v.IsZero()
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// toList accepts a slice or a comma-separated string.
func toList(v any) []any {
	switch v := v.(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case string:
		var out []any
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case nil:
		return nil
	}
	return []any{v}
}

func sortRecords(recs []*record.Record, s Sort) {
	if s.Field == "" || s.Field == "id" {
		slices.SortStableFunc(recs, func(a, b *record.Record) int {
			c := strings.Compare(a.ID, b.ID)
			if s.Desc {
				return -c
			}
			return c
		})
		return
	}
	key := func(r *record.Record) (any, bool) {
		if s.Field == FieldDate {
			return r.Timestamp(), true
		}
		v, ok := r.Attributes()[s.Field]
		return v, ok && v != nil
	}
	slices.SortStableFunc(recs, func(a, b *record.Record) int {
		va, oka := key(a)
		vb, okb := key(b)
		switch {
		case !oka && !okb:
			return strings.Compare(a.ID, b.ID)
		case !oka:
			return 1 // missing values last
		case !okb:
			return -1
		}
		c := compare(va, vb)
		if s.Desc {
			c = -c
		}
		if c == 0 {
			return strings.Compare(a.ID, b.ID)
		}
		return c
	})
}
