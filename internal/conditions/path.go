package conditions

import (
	"reflect"
	"sort"
	"strings"
	"unicode"
)

// NormalizeKey strips all whitespace and lowercases s.
func NormalizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}

// Resolve walks a dotted field path through nested maps, matching each
// segment against normalized keys. found is false when any segment is
// missing or an intermediate value is not a map.
func Resolve(row map[string]any, field string) (value any, found bool) {
	if row == nil {
		return nil, false
	}
	var cur any = row
	for _, part := range strings.Split(field, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = lookup(m, NormalizeKey(part))
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// lookup finds the value whose normalized key equals want. When several
// keys normalize alike the lexically smallest wins, so results do not
// depend on map iteration order.
func lookup(m map[string]any, want string) (any, bool) {
	var matches []string
	for k := range m {
		if NormalizeKey(k) == want {
			matches = append(matches, k)
		}
	}
	if len(matches) == 0 {
		return nil, false
	}
	sort.Strings(matches)
	return m[matches[0]], true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case nil, string, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
