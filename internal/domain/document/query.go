package document

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/storefront/backend/internal/domain/shared"
)

// Operator is a filter comparison operator.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpIn           Operator = "in"
)

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Filter restricts a query to documents whose Field compares to Value.
type Filter struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value"`
}

// Order sorts query results by Field.
type Order struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction"`
}

// Query selects a subset of a collection. The zero Query is a full scan.
type Query struct {
	Filters []Filter `json:"filters,omitempty"`
	OrderBy []Order  `json:"orderBy,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Where returns a copy of q with an additional filter.
func (q Query) Where(field string, op Operator, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// Sort returns a copy of q with an additional ordering.
func (q Query) Sort(field string, dir Direction) Query {
	q.OrderBy = append(append([]Order(nil), q.OrderBy...), Order{Field: field, Direction: dir})
	return q
}

// IsZero reports whether q is a full scan.
func (q Query) IsZero() bool {
	return len(q.Filters) == 0 && len(q.OrderBy) == 0 && q.Limit == 0
}

// Validate checks operators and directions.
func (q Query) Validate() error {
	for _, f := range q.Filters {
		switch f.Op {
		case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpIn:
		default:
			return shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("unsupported filter operator %q", f.Op))
		}
		if strings.TrimSpace(f.Field) == "" {
			return shared.NewDomainError("INVALID_INPUT", "filter field is required")
		}
	}
	for _, o := range q.OrderBy {
		if o.Direction != "" && o.Direction != Asc && o.Direction != Desc {
			return shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("unsupported sort direction %q", o.Direction))
		}
	}
	if q.Limit < 0 {
		return shared.NewDomainError("INVALID_INPUT", "limit cannot be negative")
	}
	return nil
}

// Apply evaluates q against docs and returns the matching documents, ordered.
// Documents with equal sort keys keep ascending id order.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range q.OrderBy {
			a, _ := out[i].Value(o.Field)
			b, _ := out[j].Value(o.Field)
			c := compareOrdered(a, b)
			if c == 0 {
				continue
			}
			if o.Direction == Desc {
				return c > 0
			}
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Matches reports whether d satisfies every filter of q.
func (q Query) Matches(d Document) bool {
	for _, f := range q.Filters {
		v, ok := d.Value(f.Field)
		if !matchFilter(f, v, ok) {
			return false
		}
	}
	return true
}

func matchFilter(f Filter, v any, present bool) bool {
	switch f.Op {
	case OpEqual:
		return present && equalValues(v, f.Value)
	case OpNotEqual:
		return !present || !equalValues(v, f.Value)
	case OpIn:
		if !present {
			return false
		}
		for _, candidate := range asSlice(f.Value) {
			if equalValues(v, candidate) {
				return true
			}
		}
		return false
	}
	if !present {
		return false
	}
	c, ok := compareValues(v, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case OpLess:
		return c < 0
	case OpLessEqual:
		return c <= 0
	case OpGreater:
		return c > 0
	case OpGreaterEqual:
		return c >= 0
	}
	return false
}

func asSlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	default:
		return []any{v}
	}
}

func equalValues(a, b any) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareValues compares numbers, strings, bools and timestamps. ok is false
// when the two values are not of a comparable kind.
func compareValues(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	if at, ok := toTime(a); ok {
		bt, ok := toTime(b)
		if !ok {
			return 0, false
		}
		return at.Compare(bt), true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// compareOrdered is compareValues with missing and mismatched values sorted first.
func compareOrdered(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c, ok := compareValues(a, b); ok {
		return c
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}
