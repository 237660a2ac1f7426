package schema

import (
	"encoding/json"
	"slices"
	"time"
)

// Decision is the outcome recorded on a run step.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionSkipped  Decision = "skipped"
)

// RunStatus is the terminal aggregate of a run.
type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusApproved RunStatus = "approved"
	RunStatusRejected RunStatus = "rejected"
)

// RunStep records one node application. Steps are append-only.
type RunStep struct {
	NodeID     string     `json:"nodeId"`
	Decision   Decision   `json:"decision"`
	ActedAt    *time.Time `json:"actedAt"`
	AssigneeID string     `json:"assigneeId,omitempty"`
	ActedBy    string     `json:"actedBy,omitempty"`
	Comment    string     `json:"comment,omitempty"`
	Meta       StepMeta   `json:"meta"`
}

// BranchOutput is the true/false split produced by a rule node.
type BranchOutput struct {
	True  []Row `json:"true"`
	False []Row `json:"false"`
}

// BranchCounts records the size of each side of a rule split.
type BranchCounts struct {
	True  int `json:"true"`
	False int `json:"false"`
}

// ExportInfo describes the destination of an export node.
type ExportInfo struct {
	ExportType string `json:"exportType"`
	Target     string `json:"target,omitempty"`
}

// StepMeta carries the node-specific payload of a step. Rule steps set
// Branches instead of Output; both serialize under "output".
type StepMeta struct {
	Input    []Row         `json:"-"`
	Output   []Row         `json:"-"`
	Branches *BranchOutput `json:"-"`
	Branch   *BranchCounts `json:"-"`
	Approval bool          `json:"-"`
	Export   *ExportInfo   `json:"-"`
	Executed bool          `json:"-"`
}

type stepMetaJSON struct {
	Input    []Row           `json:"input"`
	Output   json.RawMessage `json:"output,omitempty"`
	Branch   *BranchCounts   `json:"branch,omitempty"`
	Approval bool            `json:"approval,omitempty"`
	Export   *ExportInfo     `json:"export,omitempty"`
	Executed bool            `json:"executed,omitempty"`
}

func (m StepMeta) MarshalJSON() ([]byte, error) {
	out := stepMetaJSON{
		Input:    m.Input,
		Branch:   m.Branch,
		Approval: m.Approval,
		Export:   m.Export,
		Executed: m.Executed,
	}
	var err error
	if m.Branches != nil {
		out.Output, err = json.Marshal(m.Branches)
	} else {
		out.Output, err = json.Marshal(m.Output)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (m *StepMeta) UnmarshalJSON(b []byte) error {
	var in stepMetaJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*m = StepMeta{
		Input:    in.Input,
		Branch:   in.Branch,
		Approval: in.Approval,
		Export:   in.Export,
		Executed: in.Executed,
	}
	if len(in.Output) == 0 || string(in.Output) == "null" {
		return nil
	}
	if in.Output[0] == '{' {
		m.Branches = &BranchOutput{}
		return json.Unmarshal(in.Output, m.Branches)
	}
	return json.Unmarshal(in.Output, &m.Output)
}

// OutputRows returns the rows a step emitted. For rule steps this is the
// true rows followed by the false rows.
func (m StepMeta) OutputRows() []Row {
	if m.Branches != nil {
		out := make([]Row, 0, len(m.Branches.True)+len(m.Branches.False))
		out = append(out, m.Branches.True...)
		return append(out, m.Branches.False...)
	}
	return m.Output
}

// AssigneesKey is the row field an approval step writes its assignees to.
const AssigneesKey = "assignees"

// Assignees lists who may act on the step: the step assignee, then every
// assignee attached to its output rows, without duplicates.
func (s *RunStep) Assignees() []string {
	var out []string
	add := func(id string) {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	add(s.AssigneeID)
	for _, row := range s.Meta.OutputRows() {
		switch list := row[AssigneesKey].(type) {
		case []string:
			for _, id := range list {
				add(id)
			}
		case []any:
			for _, v := range list {
				if id, ok := v.(string); ok {
					add(id)
				}
			}
		}
	}
	return out
}

// Run is one execution of a workflow against one or more rows.
type Run struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflowId"`
	InvoiceID  string     `json:"invoiceId,omitempty"`
	Steps      []RunStep  `json:"steps"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Meta       *RunMeta   `json:"meta,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// RunMeta is the audit snapshot stored with a run.
type RunMeta struct {
	OutputCSV   string            `json:"outputCsv,omitempty"`
	CompanyID   string            `json:"companyId,omitempty"`
	CompanyName string            `json:"companyName,omitempty"`
	Workflow    *WorkflowSnapshot `json:"workflow,omitempty"`
}

// WorkflowSnapshot is the structural copy of a workflow taken at run time.
// Revisited runs read this instead of the live definition.
type WorkflowSnapshot struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    WorkflowStatus `json:"status,omitempty"`
	IsActive  bool           `json:"isActive"`
	CreatedBy string         `json:"createdBy,omitempty"`
	CompanyID string         `json:"companyId,omitempty"`
	Nodes     []Node         `json:"nodes"`
	Edges     []Edge         `json:"edges,omitempty"`
}

// Snapshot copies the structural fields of the workflow.
func (wf *Workflow) Snapshot() *WorkflowSnapshot {
	return &WorkflowSnapshot{
		ID:        wf.ID,
		Name:      wf.Name,
		Status:    wf.Status,
		IsActive:  wf.IsActive,
		CreatedBy: wf.CreatedBy,
		CompanyID: wf.CompanyID,
		Nodes:     append([]Node(nil), wf.Nodes...),
		Edges:     append([]Edge(nil), wf.Edges...),
	}
}

// Company identifies the tenant a run was started for. Both fields are
// passed through opaquely.
type Company struct {
	ID   string `json:"companyId,omitempty"`
	Name string `json:"companyName,omitempty"`
}

// Workflow rebuilds a definition from the snapshot.
func (s *WorkflowSnapshot) Workflow() *Workflow {
	return &Workflow{
		ID:        s.ID,
		CompanyID: s.CompanyID,
		Name:      s.Name,
		Status:    s.Status,
		IsActive:  s.IsActive,
		CreatedBy: s.CreatedBy,
		Nodes:     append([]Node(nil), s.Nodes...),
		Edges:     append([]Edge(nil), s.Edges...),
	}
}
