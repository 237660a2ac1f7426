package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/invoiceflow/pkg/schema"
)

// Event is an immutable entry in a run's event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ActorID   string          `json:"actor_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// WorkflowUpdate holds the mutable fields of a workflow. Nil fields are
// left untouched.
type WorkflowUpdate struct {
	Name     *string
	Status   *schema.WorkflowStatus
	IsActive *bool
	Nodes    []schema.Node
	Edges    []schema.Edge
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	CompanyID  string
	ActiveOnly bool
	Status     *schema.WorkflowStatus
	Limit      int
	Offset     int
}

// RunUpdate holds the mutable fields of a run. Nil fields are left
// untouched; Steps replaces the whole step log.
type RunUpdate struct {
	Steps      []schema.RunStep
	Status     *schema.RunStatus
	FinishedAt *time.Time
	Meta       *schema.RunMeta
}

// DefaultRunLimit caps ListRuns when the filter sets no limit.
const DefaultRunLimit = 50

// RunFilter narrows ListRuns. CompanyID wins over CompanyName when both
// are set.
type RunFilter struct {
	CompanyID   string
	CompanyName string
	WorkflowID  string
	Status      *schema.RunStatus
	Limit       int
	Offset      int
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	RunID  string
	NodeID string
	Since  *time.Time
	Limit  int
}
