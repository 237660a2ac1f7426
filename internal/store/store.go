package store

import (
	"context"

	"github.com/rendis/invoiceflow/pkg/schema"
)

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	// ActiveWorkflow is the newest active workflow owned by companyID.
	ActiveWorkflow(ctx context.Context, companyID string) (*schema.Workflow, error)
}

// RunStore persists runs and their steps.
type RunStore interface {
	CreateRun(ctx context.Context, run *schema.Run) error
	GetRun(ctx context.Context, id string) (*schema.Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error)
}

// EventStore is the append-only run event log. Sequences are per run.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)
}

// Store is the whole persistence layer. Implementations are safe for
// concurrent use.
type Store interface {
	WorkflowStore
	RunStore
	EventStore

	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}

var _ Store = (*LibSQLStore)(nil)
