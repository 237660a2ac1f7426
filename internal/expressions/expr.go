package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang rule expressions with the row's fields as
// top-level variables, e.g. `amount > 1000 && currency == "EUR"`. Rows of
// one batch need not share field types, so programs compile without a
// typed environment and unknown variables are nil.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return LanguageExpr }

func (e *ExprEngine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := expr.Run(prg, data)
	if err != nil {
		return nil, evalError(LanguageExpr, expression, err)
	}
	return out, nil
}

func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	if err := requireExpression(LanguageExpr, expression); err != nil {
		return nil, err
	}
	return e.programs.get(expression, func(src string) (*vm.Program, error) {
		prg, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, compileError(LanguageExpr, src, err)
		}
		return prg, nil
	})
}

var _ Engine = (*ExprEngine)(nil)
