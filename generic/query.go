package generic

import (
	"sort"
	"strings"
)

// =============================================================================
// QUERY - Projection, equality filters and ordering
// =============================================================================

// Filter is an equality predicate on one column.
type Filter struct {
	Column string
	Value  any
}

// OrderBy sorts on one column.
type OrderBy struct {
	Column string
	Desc   bool
}

// Query mirrors the subset of the remote select the client relies on.
// The same Query is sent to the remote store and applied client-side to the
// mirror when offline, so both paths return the same shape.
type Query struct {
	Columns []string // empty means all columns
	Filters []Filter
	Order   []OrderBy
}

// Eq returns a copy of q with an additional equality filter.
func (q Query) Eq(column string, value any) Query {
	out := q
	out.Filters = append(append([]Filter(nil), q.Filters...), Filter{Column: column, Value: value})
	return out
}

// OrderedBy returns a copy of q with an additional sort key.
func (q Query) OrderedBy(column string, desc bool) Query {
	out := q
	out.Order = append(append([]OrderBy(nil), q.Order...), OrderBy{Column: column, Desc: desc})
	return out
}

// Match reports whether r satisfies every filter.
func (q Query) Match(r Record) bool {
	for _, f := range q.Filters {
		if !valuesEqual(r[f.Column], f.Value) {
			return false
		}
	}
	return true
}

// Project keeps only the selected columns. The id and trainer_id columns are
// always kept so the result can still be keyed and scoped.
func (q Query) Project(r Record) Record {
	if len(q.Columns) == 0 {
		return r.Clone()
	}
	out := make(Record, len(q.Columns)+2)
	for _, c := range append([]string{ColumnID, ColumnTrainerID}, q.Columns...) {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}

// Apply filters, sorts and projects rows. The input slice is not modified.
func (q Query) Apply(rows []Record) []Record {
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		if q.Match(r) {
			out = append(out, r)
		}
	}
	q.Sort(out)
	for i, r := range out {
		out[i] = q.Project(r)
	}
	return out
}

// Sort orders rows in place. Rows comparing equal keep their relative order.
func (q Query) Sort(rows []Record) {
	if len(q.Order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range q.Order {
			c := compareValues(rows[i][o.Column], rows[j][o.Column])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// =============================================================================
// VALUE COMPARISON
// =============================================================================

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	}
	return 0, false
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return Record{"v": a}.String("v") == Record{"v": b}.String("v")
}

// compareValues orders nil first, then numbers numerically, then everything
// else by its string form (ISO timestamps sort correctly this way).
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0
			case !ba:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(Record{"v": a}.String("v"), Record{"v": b}.String("v"))
}
