package validation

import "github.com/rendis/invoiceflow/pkg/schema"

// Validator checks workflow definitions before they are saved and run
// input before it reaches the engine.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
	ValidateRunInput(wf *schema.Workflow, input any) error
}
