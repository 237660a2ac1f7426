// Package expressions evaluates the embedded expression languages of a
// workflow: expr and CEL for rule expressions, jq for set mappings.
package expressions

import "context"

// Engine evaluates an expression against one data row.
type Engine interface {
	Name() string
	// Compile reports whether expression is well formed without running it.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Language names accepted in a rule node's expressionLanguage.
const (
	LanguageExpr = "expr"
	LanguageCEL  = "cel"
	LanguageJQ   = "jq"
)
