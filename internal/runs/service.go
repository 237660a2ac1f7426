// Package runs owns the run lifecycle: starting runs against stored
// workflows, tenant checks, human step actions with re-execution, the
// event log and the CSV download.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/rendis/invoiceflow/internal/aggregate"
	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/internal/store"
	"github.com/rendis/invoiceflow/internal/streaming"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// Step actions accepted by ActOnStep.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// Caller identifies who is making a request. Authentication happens
// upstream; the fields are trusted as given.
type Caller struct {
	CompanyID   string `json:"companyId,omitempty"`
	CompanyName string `json:"companyName,omitempty"`
	UserID      string `json:"userId,omitempty"`
}

// Tenant is the key workflows are owned by: the company id, else the
// company name.
func (c Caller) Tenant() string {
	if c.CompanyID != "" {
		return c.CompanyID
	}
	return c.CompanyName
}

// Validator checks workflow definitions and run input.
type Validator interface {
	Validate(wf *schema.Workflow) *schema.ValidationResult
	ValidateRunInput(wf *schema.Workflow, input any) error
}

// Deps holds the collaborators of a Service.
type Deps struct {
	Store      store.Store
	Aggregator *aggregate.Aggregator
	// Executor re-runs a workflow after a step action.
	Executor  aggregate.Executor
	Validator Validator
	// Hub receives every recorded run event. Optional.
	Hub    streaming.EventHub
	Now    func() time.Time
	Logger *slog.Logger
}

// Service implements the run and workflow operations shared by the HTTP
// panel and the MCP tools.
type Service struct {
	store     store.Store
	events    *store.EventLog
	agg       *aggregate.Aggregator
	exec      aggregate.Executor
	validator Validator
	hub       streaming.EventHub
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Service.
func New(deps Deps) *Service {
	s := &Service{
		store:     deps.Store,
		events:    store.NewEventLog(deps.Store),
		agg:       deps.Aggregator,
		exec:      deps.Executor,
		validator: deps.Validator,
		hub:       deps.Hub,
		now:       deps.Now,
		logger:    deps.Logger,
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Start runs the workflow workflowID against input and persists the run.
func (s *Service) Start(ctx context.Context, workflowID string, input any, caller Caller) (*schema.Run, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := authorize(caller, wf.CompanyID); err != nil {
		return nil, err
	}
	return s.start(ctx, wf, input, caller)
}

// StartForCompany runs the newest active workflow of companyID.
func (s *Service) StartForCompany(ctx context.Context, companyID string, input any, caller Caller) (*schema.Run, error) {
	wf, err := s.store.ActiveWorkflow(ctx, companyID)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeNotFound {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no active workflow for company %q", companyID).WithCause(err)
		}
		return nil, err
	}
	return s.start(ctx, wf, input, caller)
}

func (s *Service) start(ctx context.Context, wf *schema.Workflow, input any, caller Caller) (*schema.Run, error) {
	if input == nil {
		input = schema.Row{}
	}
	if s.validator != nil {
		if err := s.validator.ValidateRunInput(wf, input); err != nil {
			return nil, err
		}
	}

	company := schema.Company{ID: caller.CompanyID, Name: caller.CompanyName}
	run, err := s.agg.Aggregate(ctx, wf, input, company)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithActor(logging.WithIDs(ctx, wf.ID, run.ID, ""), caller.Tenant(), caller.UserID)

	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "persist run").WithCause(err)
	}
	s.record(ctx, run, schema.EventRunStarted, "", caller.UserID, store.RunStatusPayload{
		WorkflowID: wf.ID,
		Status:     schema.RunStatusPending,
		Rows:       rowCount(input),
	})
	s.record(ctx, run, schema.EventRunCompleted, "", "", store.RunStatusPayload{
		Status: run.Status,
		Steps:  len(run.Steps),
	})

	logging.LogWith(ctx, s.logger).Info("run started",
		slog.String("status", string(run.Status)),
		slog.Int("steps", len(run.Steps)))
	return run, nil
}

// Get returns a run after checking the caller may see it.
func (s *Service) Get(ctx context.Context, runID string, caller Caller) (*schema.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	wf, err := s.runWorkflow(ctx, run)
	if err != nil {
		return nil, err
	}
	if wf != nil {
		if err := authorize(caller, wf.CompanyID); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// List returns the caller's runs newest first: those of its company id,
// else those of its company name, else every run.
func (s *Service) List(ctx context.Context, caller Caller, limit int) ([]*schema.Run, error) {
	runs, err := s.store.ListRuns(ctx, store.RunFilter{
		CompanyID:   caller.CompanyID,
		CompanyName: caller.CompanyName,
		Limit:       limit,
	})
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*schema.Run{}
	}
	return runs, nil
}

// ActOnStep records a human decision on step index of a run, then re-runs
// the workflow over an empty row and appends the new steps. The run status
// becomes the re-run's status.
func (s *Service) ActOnStep(ctx context.Context, runID string, index int, action, comment string, caller Caller) (*schema.Run, error) {
	var decision schema.Decision
	switch strings.ToLower(action) {
	case ActionApprove:
		decision = schema.DecisionApproved
	case ActionReject:
		decision = schema.DecisionRejected
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidAction, "invalid action %q", action)
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	wf, err := s.runWorkflow(ctx, run)
	if err != nil {
		return nil, err
	}
	if wf != nil {
		if err := authorize(caller, wf.CompanyID); err != nil {
			return nil, err
		}
	}
	if index < 0 || index >= len(run.Steps) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %d not found", index)
	}
	step := &run.Steps[index]
	if assignees := step.Assignees(); len(assignees) > 0 && !slices.Contains(assignees, caller.UserID) {
		return nil, schema.NewError(schema.ErrCodeForbidden, "not assigned to you").WithNode(step.NodeID)
	}

	ctx = logging.WithActor(logging.WithIDs(ctx, run.WorkflowID, run.ID, step.NodeID), caller.Tenant(), caller.UserID)
	now := s.now()
	step.Decision = decision
	step.Comment = comment
	step.ActedAt = &now
	step.ActedBy = caller.UserID

	if err := s.store.UpdateRun(ctx, run.ID, store.RunUpdate{Steps: run.Steps}); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "persist step action").WithCause(err)
	}
	s.record(ctx, run, schema.EventStepActed, step.NodeID, caller.UserID, store.StepActedPayload{
		Index:   index,
		Action:  strings.ToLower(action),
		Comment: comment,
	})
	logging.LogWith(ctx, s.logger).Info("step acted",
		slog.Int("index", index),
		slog.String("decision", string(decision)))

	if wf == nil {
		return run, nil
	}

	res := s.exec.Execute(ctx, wf, []schema.Row{{}})
	run.Steps = append(run.Steps, res.Steps...)
	run.Status = res.Status
	update := store.RunUpdate{Steps: run.Steps, Status: &run.Status}
	if run.Status == schema.RunStatusApproved || run.Status == schema.RunStatusRejected {
		finished := s.now()
		run.FinishedAt = &finished
		update.FinishedAt = &finished
	}
	run.UpdatedAt = s.now()
	if err := s.store.UpdateRun(ctx, run.ID, update); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "persist resumed run").WithCause(err)
	}
	s.record(ctx, run, schema.EventRunResumed, "", caller.UserID, store.RunStatusPayload{
		Status: run.Status,
		Steps:  len(res.Steps),
	})
	return run, nil
}

// DownloadCSV returns the attachment filename and stored CSV of a run.
func (s *Service) DownloadCSV(ctx context.Context, runID string, caller Caller) (string, string, error) {
	run, err := s.Get(ctx, runID, caller)
	if err != nil {
		return "", "", err
	}
	if run.Meta == nil || run.Meta.OutputCSV == "" {
		return "", "", schema.NewErrorf(schema.ErrCodeNotFound, "CSV not found for run %q", runID)
	}
	return fmt.Sprintf("run_%s.csv", run.ID), run.Meta.OutputCSV, nil
}

// Timeline replays the event log of a run the caller may see.
func (s *Service) Timeline(ctx context.Context, runID string, caller Caller) (*store.Timeline, error) {
	if _, err := s.Get(ctx, runID, caller); err != nil {
		return nil, err
	}
	return s.events.Replay(ctx, runID)
}

// runWorkflow resolves the definition a run belongs to: the live workflow,
// else the snapshot taken at run time. It returns nil when neither exists.
func (s *Service) runWorkflow(ctx context.Context, run *schema.Run) (*schema.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, run.WorkflowID)
	if err == nil {
		return wf, nil
	}
	if schema.ErrorCode(err) != schema.ErrCodeNotFound {
		return nil, err
	}
	if run.Meta != nil && run.Meta.Workflow != nil {
		return run.Meta.Workflow.Workflow(), nil
	}
	return nil, nil
}

// record appends a run event and publishes it to live subscribers. The
// event log is an audit trail; a failed append is logged and the operation
// carries on.
func (s *Service) record(ctx context.Context, run *schema.Run, eventType, nodeID, actorID string, payload any) {
	if err := s.events.Record(ctx, run.ID, eventType, nodeID, actorID, payload); err != nil {
		logging.LogWith(ctx, s.logger).Warn("append run event failed",
			slog.String("event_type", eventType),
			slog.Any("error", err))
	}
	if s.hub == nil {
		return
	}
	_ = s.hub.Publish(ctx, streaming.StreamEvent{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		CompanyID:  runOwner(run),
		NodeID:     nodeID,
		EventType:  eventType,
		Payload:    payload,
	})
}

// runOwner is the tenant a run belongs to: the owner of its workflow
// snapshot, else the company it was started for.
func runOwner(run *schema.Run) string {
	if run.Meta == nil {
		return ""
	}
	if run.Meta.Workflow != nil && run.Meta.Workflow.CompanyID != "" {
		return run.Meta.Workflow.CompanyID
	}
	if run.Meta.CompanyID != "" {
		return run.Meta.CompanyID
	}
	return run.Meta.CompanyName
}

// authorize rejects callers of another tenant. The owner matches either
// the caller's company id or name; either side being unset skips the check.
func authorize(caller Caller, owner string) error {
	if caller.Tenant() == "" || owner == "" {
		return nil
	}
	if owner != caller.CompanyID && owner != caller.CompanyName {
		return schema.NewError(schema.ErrCodeForbidden, "forbidden")
	}
	return nil
}

func rowCount(input any) int {
	switch v := input.(type) {
	case []schema.Row:
		return len(v)
	case []any:
		return len(v)
	}
	return 1
}
