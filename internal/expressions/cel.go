package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates Common Expression Language rule expressions. The row
// is bound to the single variable `row`, so fields are reached as
// `row.amount` and presence is tested with `"field" in row`.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("expressions: cel environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return LanguageCEL }

func (e *CELEngine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate runs expression with data bound to `row`. Integer fields are
// widened to double first, matching how JSON input arrives.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	row := map[string]any{}
	if data != nil {
		row = normalizeNumbers(data).(map[string]any)
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{"row": row})
	if err != nil {
		return nil, evalError(LanguageCEL, expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	if err := requireExpression(LanguageCEL, expression); err != nil {
		return nil, err
	}
	return e.programs.get(expression, func(src string) (cel.Program, error) {
		ast, issues := e.env.Compile(src)
		if err := issues.Err(); err != nil {
			return nil, compileError(LanguageCEL, src, err)
		}
		prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
		if err != nil {
			return nil, compileError(LanguageCEL, src, err)
		}
		return prg, nil
	})
}

var _ Engine = (*CELEngine)(nil)
