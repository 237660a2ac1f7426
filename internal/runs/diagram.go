package runs

import (
	"context"

	"github.com/rendis/invoiceflow/internal/diagram"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// Diagram builds the diagram of a workflow. With runID set, the run's
// workflow is drawn with each node's latest decision overlaid and
// workflowID may be empty.
func (s *Service) Diagram(ctx context.Context, workflowID, runID string, caller Caller) (*diagram.DiagramModel, error) {
	if runID == "" {
		if workflowID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "workflow_id or run_id is required")
		}
		wf, err := s.GetWorkflow(ctx, workflowID, caller)
		if err != nil {
			return nil, err
		}
		return buildDiagram(wf, nil)
	}

	run, err := s.Get(ctx, runID, caller)
	if err != nil {
		return nil, err
	}
	if workflowID != "" && workflowID != run.WorkflowID {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "run %q does not belong to workflow %q", runID, workflowID)
	}
	wf, err := s.runWorkflow(ctx, run)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow of run %q not found", runID)
	}
	return buildDiagram(wf, run)
}

func buildDiagram(wf *schema.Workflow, run *schema.Run) (*diagram.DiagramModel, error) {
	model, err := diagram.Build(wf, run)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	return model, nil
}
