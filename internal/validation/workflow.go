package validation

import (
	"encoding/json"
	"errors"

	"github.com/rendis/invoiceflow/internal/expressions"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (duplicate ids, routing refs, operators, expressions)
// 3. Graph (routing cycles, reachability)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	exprs      *expressionCheck
}

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	exprs := &expressionCheck{
		expr: expressions.NewExprEngine(),
		jq:   expressions.NewGoJQEngine(),
	}
	if cel, err := expressions.NewCELEngine(); err == nil {
		exprs.cel = cel
	}
	return &WorkflowValidator{jsonSchema: jsv, exprs: exprs}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, wf)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(wf, wv.exprs))

	if result.Valid() {
		result.Merge(validateGraph(wf))
	}
	return result
}

// ValidateWorkflow satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// ValidateRunInput checks that input is one invoice object or a list of
// them. When the workflow's input node declares config.schema, every row
// must also satisfy that JSON Schema; the first failing row is reported.
func (wv *WorkflowValidator) ValidateRunInput(wf *schema.Workflow, input any) error {
	if err := wv.jsonSchema.ValidateRunInput(input); err != nil {
		return err
	}
	raw, err := inputSchema(wf)
	if err != nil || raw == nil {
		return err
	}
	for i, row := range inputRows(input) {
		if err := wv.jsonSchema.ValidateAgainst(row, raw); err != nil {
			var fe *schema.FlowError
			if errors.As(err, &fe) {
				return schema.NewErrorf(schema.ErrCodeValidation, "row %d: %s", i, fe.Message).
					WithCause(err).
					WithDetails(fe.Details)
			}
			return err
		}
	}
	return nil
}

// inputSchema returns the JSON encoding of the entry input node's
// config.schema, or nil when there is none.
func inputSchema(wf *schema.Workflow) ([]byte, error) {
	if wf == nil {
		return nil, nil
	}
	entry := wf.EntryNode()
	if entry == nil || entry.Type.Kind() != schema.NodeTypeInput {
		return nil, nil
	}
	s, ok := entry.Config["schema"].(map[string]any)
	if !ok || len(s) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "input schema is not JSON").WithNode(entry.ID).WithCause(err)
	}
	return raw, nil
}

func inputRows(input any) []any {
	switch v := input.(type) {
	case nil:
		return nil
	case []any:
		return v
	case []schema.Row:
		rows := make([]any, len(v))
		for i, r := range v {
			rows[i] = map[string]any(r)
		}
		return rows
	case schema.Row:
		return []any{map[string]any(v)}
	}
	return []any{input}
}

// validateStructural wraps JSONSchemaValidator.ValidateWorkflow, converting
// its error output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateWorkflow(wf)
	if err == nil {
		return result
	}

	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}

var _ Validator = (*WorkflowValidator)(nil)
