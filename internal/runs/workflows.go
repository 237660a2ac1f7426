package runs

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/internal/store"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// WorkflowPatch is a partial workflow update. Nil fields are untouched.
type WorkflowPatch struct {
	Name     *string                `json:"name,omitempty"`
	Status   *schema.WorkflowStatus `json:"status,omitempty"`
	IsActive *bool                  `json:"isActive,omitempty"`
	Nodes    []schema.Node          `json:"nodes,omitempty"`
	Edges    []schema.Edge          `json:"edges,omitempty"`
}

func (p WorkflowPatch) empty() bool {
	return p.Name == nil && p.Status == nil && p.IsActive == nil && p.Nodes == nil && p.Edges == nil
}

// Validate checks a definition without storing it.
func (s *Service) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if s.validator == nil {
		return &schema.ValidationResult{}
	}
	return s.validator.Validate(wf)
}

// DefineWorkflow validates and stores a new workflow owned by the caller's
// tenant. Validation warnings are returned alongside the stored workflow.
func (s *Service) DefineWorkflow(ctx context.Context, wf *schema.Workflow, caller Caller) (*schema.Workflow, *schema.ValidationResult, error) {
	if wf == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "workflow is required")
	}
	if strings.TrimSpace(wf.Name) == "" {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "name is required")
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.CompanyID == "" {
		wf.CompanyID = caller.Tenant()
	}
	if err := authorize(caller, wf.CompanyID); err != nil {
		return nil, nil, err
	}
	if wf.CreatedBy == "" {
		wf.CreatedBy = caller.UserID
	}
	if wf.Nodes == nil {
		wf.Nodes = []schema.Node{}
	}

	result := s.Validate(wf)
	if err := result.ToError(); err != nil {
		return nil, result, err
	}

	now := s.now()
	wf.CreatedAt, wf.UpdatedAt = now, now
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, result, err
	}

	logging.LogWith(logging.WithActor(logging.WithWorkflowID(ctx, wf.ID), caller.Tenant(), caller.UserID), s.logger).Info("workflow defined",
		slog.Int("nodes", len(wf.Nodes)),
		slog.Int("warnings", len(result.Warnings)))
	return wf, result, nil
}

// GetWorkflow returns a workflow of the caller's tenant.
func (s *Service) GetWorkflow(ctx context.Context, id string, caller Caller) (*schema.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(caller, wf.CompanyID); err != nil {
		return nil, err
	}
	return wf, nil
}

// ListWorkflows returns the caller's workflows newest first.
func (s *Service) ListWorkflows(ctx context.Context, caller Caller, activeOnly bool) ([]*schema.Workflow, error) {
	wfs, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{
		CompanyID:  caller.Tenant(),
		ActiveOnly: activeOnly,
	})
	if err != nil {
		return nil, err
	}
	if wfs == nil {
		wfs = []*schema.Workflow{}
	}
	return wfs, nil
}

// UpdateWorkflow applies patch and re-validates the result.
func (s *Service) UpdateWorkflow(ctx context.Context, id string, patch WorkflowPatch, caller Caller) (*schema.Workflow, *schema.ValidationResult, error) {
	if patch.empty() {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "no valid fields to update")
	}
	wf, err := s.GetWorkflow(ctx, id, caller)
	if err != nil {
		return nil, nil, err
	}

	if patch.Name != nil {
		wf.Name = *patch.Name
	}
	if patch.Status != nil {
		wf.Status = *patch.Status
	}
	if patch.IsActive != nil {
		wf.IsActive = *patch.IsActive
	}
	if patch.Nodes != nil {
		wf.Nodes = patch.Nodes
	}
	if patch.Edges != nil {
		wf.Edges = patch.Edges
	}

	result := s.Validate(wf)
	if err := result.ToError(); err != nil {
		return nil, result, err
	}
	if err := s.store.UpdateWorkflow(ctx, id, store.WorkflowUpdate{
		Name:     patch.Name,
		Status:   patch.Status,
		IsActive: patch.IsActive,
		Nodes:    patch.Nodes,
		Edges:    patch.Edges,
	}); err != nil {
		return nil, result, err
	}
	wf.UpdatedAt = s.now()
	return wf, result, nil
}

// DeleteWorkflow removes a workflow of the caller's tenant. Runs keep their
// snapshot.
func (s *Service) DeleteWorkflow(ctx context.Context, id string, caller Caller) error {
	if _, err := s.GetWorkflow(ctx, id, caller); err != nil {
		return err
	}
	return s.store.DeleteWorkflow(ctx, id)
}
