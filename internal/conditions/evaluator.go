// Package conditions evaluates field conditions against data rows.
//
// Evaluation is pure and total: it never mutates the row, never returns an
// error and never panics. Anything that cannot be evaluated is false.
package conditions

import (
	"strings"

	"github.com/rendis/invoiceflow/pkg/schema"
)

// Evaluate reports whether row satisfies cond.
func Evaluate(cond schema.Condition, row schema.Row) (result bool) {
	defer func() {
		if recover() != nil {
			result = false
		}
	}()

	actual, found := Resolve(row, cond.Field)
	if cond.Operator == schema.OpExists {
		return found && actual != nil
	}
	if !found || actual == nil {
		return false
	}
	value := cond.Value

	switch cond.Operator {
	case schema.OpLooseEq:
		return LooseEqual(actual, value)
	case schema.OpStrictEq:
		return StrictEqual(actual, value)
	case schema.OpLooseNe:
		return !LooseEqual(actual, value)
	case schema.OpStrictNe:
		return !StrictEqual(actual, value)
	case schema.OpGt:
		return compare(actual, value) > 0
	case schema.OpGte:
		return compare(actual, value) >= 0
	case schema.OpLt:
		return compare(actual, value) < 0
	case schema.OpLte:
		return compare(actual, value) <= 0
	case schema.OpIn:
		if list, ok := asList(value); ok {
			return includes(list, actual)
		}
		if s, ok := value.(string); ok {
			return strings.Contains(s, Stringify(actual))
		}
		return false
	case schema.OpNotIn:
		if list, ok := asList(value); ok {
			return !includes(list, actual)
		}
		if s, ok := value.(string); ok {
			return !strings.Contains(s, Stringify(actual))
		}
		return false
	case schema.OpContains:
		if s, ok := actual.(string); ok {
			return strings.Contains(s, Stringify(value))
		}
		if list, ok := asList(actual); ok {
			return includes(list, value)
		}
		return false
	case schema.OpStartsWith:
		if s, ok := actual.(string); ok {
			return strings.HasPrefix(s, Stringify(value))
		}
		return false
	case schema.OpEndsWith:
		if s, ok := actual.(string); ok {
			return strings.HasSuffix(s, Stringify(value))
		}
		return false
	default:
		return false
	}
}

// EvaluateAll reports whether row satisfies every condition, stopping at
// the first failure. An empty list passes.
func EvaluateAll(conds []schema.Condition, row schema.Row) bool {
	for _, c := range conds {
		if !Evaluate(c, row) {
			return false
		}
	}
	return true
}

// compare orders a against b: numerically when both sides are numeric,
// otherwise by their string forms.
func compare(a, b any) int {
	if IsNumeric(a) && IsNumeric(b) {
		x, _ := toNumber(a)
		y, _ := toNumber(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return strings.Compare(Stringify(a), Stringify(b))
}

func includes(list []any, v any) bool {
	for _, item := range list {
		if StrictEqual(item, v) {
			return true
		}
	}
	return false
}
