package schema

import (
	"fmt"
	"slices"
	"strings"
)

type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one finding about a workflow definition, located by a
// path such as "nodes[2].config.trueNext".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s (%s)", i.Path, i.Message, i.Code)
}

// ValidationResult collects the findings of a validation pass. Errors block
// saving a workflow; warnings are reported and the engine degrades around
// them at run time.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{path, code, message, SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{path, code, message, SeverityWarning})
}

// Merge appends the findings of other. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Errors = append(r.Errors, other.Errors...)
		r.Warnings = append(r.Warnings, other.Warnings...)
	}
}

// HasCode reports whether any finding, error or warning, carries code.
func (r *ValidationResult) HasCode(code string) bool {
	match := func(i ValidationIssue) bool { return i.Code == code }
	return slices.ContainsFunc(r.Errors, match) || slices.ContainsFunc(r.Warnings, match)
}

// ToError returns nil for a valid result, else an ErrCodeValidation
// FlowError. A single error keeps its message; several are summarised by
// path. Every finding is attached as details.
func (r *ValidationResult) ToError() error {
	switch len(r.Errors) {
	case 0:
		return nil
	case 1:
		return r.flowError(r.Errors[0].Message)
	}
	paths := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		paths[i] = e.Path
	}
	return r.flowError(fmt.Sprintf("workflow has %d errors (%s)", len(r.Errors), strings.Join(paths, ", ")))
}

func (r *ValidationResult) flowError(msg string) *FlowError {
	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
