package conditions

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// IsNumeric reports whether v is a finite number or a string that parses
// as one.
func IsNumeric(v any) bool {
	switch s := v.(type) {
	case string:
		if strings.TrimSpace(s) == "" {
			return false
		}
		f, ok := parseNumber(s)
		return ok && !math.IsInf(f, 0)
	case bool, nil:
		return false
	}
	f, ok := numberValue(v)
	return ok && !math.IsNaN(f) && !math.IsInf(f, 0)
}

// numberValue returns v as float64 when v is a Go numeric type.
func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
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

// parseNumber converts a string the way loose numeric coercion does:
// surrounding whitespace is ignored, the empty string is zero and
// 0x/0o/0b prefixes are honored.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1), true
	case "-Infinity":
		return math.Inf(-1), true
	}
	if len(s) > 2 && s[0] == '0' && strings.ContainsRune("xXoObB", rune(s[1])) {
		i, err := strconv.ParseInt(s, 0, 64)
		return float64(i), err == nil
	}
	lower := strings.ToLower(s)
	if strings.Contains(lower, "inf") || strings.Contains(lower, "nan") || strings.Contains(s, "_") {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

// toNumber coerces v to a number. ok is false when the result is NaN.
func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case string:
		return parseNumber(x)
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case nil:
		return 0, true
	}
	if f, ok := numberValue(v); ok {
		return f, !math.IsNaN(f)
	}
	return 0, false
}

// Stringify renders v as a plain string: nil is empty, numbers use the
// shortest representation, lists join their elements with commas and maps
// render as JSON.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	}
	if f, ok := numberValue(v); ok {
		return formatNumber(f)
	}
	if list, ok := asList(v); ok {
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = Stringify(item)
		}
		return strings.Join(parts, ",")
	}
	if m, ok := asMap(v); ok {
		b, err := json.Marshal(m)
		if err != nil {
			return ""
		}
		return string(b)
	}
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(b), `"`)
}

// formatNumber renders f in shortest round-trip form: plain decimals for
// magnitudes in [1e-6, 1e21), exponent form outside.
func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	if f == 0 {
		return "0"
	}
	if abs := math.Abs(f); abs >= 1e21 || abs < 1e-6 {
		// Exponent form without zero padding: 1e+21, 1.5e-7.
		mant, exp, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
		return mant + "e" + exp[:1] + strings.TrimLeft(exp[1:], "0")
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

type kind int

const (
	kindNil kind = iota
	kindBool
	kindNumber
	kindString
	kindComposite
)

func kindOf(v any) kind {
	switch v.(type) {
	case nil:
		return kindNil
	case bool:
		return kindBool
	case string:
		return kindString
	}
	if _, ok := numberValue(v); ok {
		return kindNumber
	}
	return kindComposite
}

// StrictEqual compares type and value. All Go numeric types count as one
// number type; lists and maps are never strictly equal to anything but the
// identical value.
func StrictEqual(a, b any) bool {
	ka, kb := kindOf(a), kindOf(b)
	if ka != kb {
		return false
	}
	switch ka {
	case kindNil:
		return true
	case kindBool:
		return a.(bool) == b.(bool)
	case kindString:
		return a.(string) == b.(string)
	case kindNumber:
		x, _ := numberValue(a)
		y, _ := numberValue(b)
		return x == y
	default:
		return sameReference(a, b)
	}
}

// LooseEqual compares with type coercion: number and string compare
// numerically, booleans become 1 or 0, and lists or maps compared with a
// scalar use their string form. nil only equals nil.
func LooseEqual(a, b any) bool {
	ka, kb := kindOf(a), kindOf(b)
	if ka == kb {
		return StrictEqual(a, b)
	}
	if ka == kindNil || kb == kindNil {
		return false
	}
	if ka == kindBool {
		n, _ := toNumber(a)
		return LooseEqual(n, b)
	}
	if kb == kindBool {
		n, _ := toNumber(b)
		return LooseEqual(a, n)
	}
	if ka == kindComposite {
		return LooseEqual(Stringify(a), b)
	}
	if kb == kindComposite {
		return LooseEqual(a, Stringify(b))
	}
	// One number, one string.
	x, okx := toNumber(a)
	y, oky := toNumber(b)
	return okx && oky && x == y
}

func sameReference(a, b any) bool {
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Kind() != rb.Kind() {
		return false
	}
	switch ra.Kind() {
	case reflect.Map, reflect.Slice:
		return ra.Pointer() == rb.Pointer() && ra.Len() == rb.Len()
	case reflect.Pointer:
		return ra.Pointer() == rb.Pointer()
	}
	return false
}
