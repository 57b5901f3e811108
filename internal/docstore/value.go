package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// canonical returns v in the shape it would have after a JSON round trip.
func canonical(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("docstore: value not representable: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = cloneValue(x)
		}
		return m
	case Data:
		return map[string]any(cloneData(t))
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = cloneValue(x)
		}
		return s
	default:
		return v
	}
}

func cloneData(d Data) Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// valuesEqual compares a stored (canonical) value with an arbitrary one.
func valuesEqual(stored, other any) bool {
	c, err := canonical(other)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(stored, c)
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, err == nil
}

// compareValues orders canonical values: nil first, then by natural order
// within a type. Strings holding RFC 3339 timestamps compare as times.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			}
			return 1
		}
	case string:
		if y, ok := b.(string); ok {
			ta, okA := parseTime(x)
			tb, okB := parseTime(y)
			if okA && okB {
				return ta.Compare(tb)
			}
			return strings.Compare(x, y)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func matches(d Data, filters []Filter) bool {
	for _, f := range filters {
		if !valuesEqual(d[f.Field], f.Value) {
			return false
		}
	}
	return true
}

func sortSnapshots(docs []*Snapshot, q Query) {
	sort.SliceStable(docs, func(i, j int) bool {
		if q.OrderBy != "" {
			c := compareValues(docs[i].Data[q.OrderBy], docs[j].Data[q.OrderBy])
			if q.Desc {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return docs[i].Path < docs[j].Path
	})
}

func applyLimit(docs []*Snapshot, limit int) []*Snapshot {
	if limit > 0 && len(docs) > limit {
		return docs[:limit]
	}
	return docs
}
