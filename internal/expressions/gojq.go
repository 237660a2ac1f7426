package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq programs against a row. It backs the "jq:" form of set
// mappings, e.g. `jq:.lines | map(.total) | add`. Programs see no process
// environment: $ENV is empty.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return LanguageJQ }

func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.code(expression)
	return err
}

// Evaluate runs expression with data as input. A program that emits one
// value returns it; several values are returned as []any and none as nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	code, err := e.code(expression)
	if err != nil {
		return nil, err
	}
	var input any = map[string]any{}
	if data != nil {
		input = normalizeNumbers(data)
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError(LanguageJQ, expression, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

func (e *GoJQEngine) code(expression string) (*gojq.Code, error) {
	if err := requireExpression(LanguageJQ, expression); err != nil {
		return nil, err
	}
	return e.programs.get(expression, func(src string) (*gojq.Code, error) {
		query, err := gojq.Parse(src)
		if err != nil {
			return nil, compileError(LanguageJQ, src, err)
		}
		code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, compileError(LanguageJQ, src, err)
		}
		return code, nil
	})
}

// normalizeNumbers copies v with every Go integer and float32 widened to
// float64, the only number type jq and the CEL row binding expect.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = normalizeNumbers(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalizeNumbers(item)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
