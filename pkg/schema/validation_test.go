package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("nodes[0].id", ErrCodeDuplicateNode, "duplicate node id")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "nodes[0].id", r.Errors[0].Path)
	assert.Equal(t, ErrCodeDuplicateNode, r.Errors[0].Code)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("nodes[1].config.trueNext", ErrCodeDanglingReference, "unknown node")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
	assert.True(t, r.HasCode(ErrCodeDanglingReference))
	assert.False(t, r.HasCode(ErrCodeCycleDetected))
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r2 := &ValidationResult{}
	r2.AddWarning("nodes[0]", ErrCodeCycleDetected, "warn")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 1)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	assert.Nil(t, r.ToError())

	r.AddError("nodes[0].id", ErrCodeValidation, "id is required")
	err := r.ToError()
	require.Error(t, err)
	fe, ok := err.(*FlowError)
	require.True(t, ok)
	assert.Equal(t, "id is required", fe.Message)
	assert.Equal(t, 1, fe.Details["error_count"])

	r.AddError("nodes[1].id", ErrCodeDuplicateNode, "duplicate")
	fe = r.ToError().(*FlowError)
	assert.Contains(t, fe.Message, "2 errors")
	assert.Contains(t, fe.Message, "nodes[1].id")
}

func TestValidationIssue_String(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("nodes[1].config.trueNext", ErrCodeDanglingReference, `references non-existent node "x"`)
	assert.Equal(t, `nodes[1].config.trueNext: references non-existent node "x" (`+ErrCodeDanglingReference+`)`, r.Warnings[0].String())
}
