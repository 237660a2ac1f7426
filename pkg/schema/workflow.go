package schema

import (
	"encoding/json"
	"strings"
	"time"
)

// Row is one data record (typically one invoice) flowing through a workflow.
type Row = map[string]any

// NodeType enumerates the kinds of nodes in a workflow graph.
type NodeType string

const (
	NodeTypeInput     NodeType = "input"
	NodeTypeRule      NodeType = "rule"
	NodeTypeCondition NodeType = "condition" // alias of rule
	NodeTypeApproval  NodeType = "approval"
	NodeTypeExport    NodeType = "export"
	NodeTypeGeneric   NodeType = "generic"
)

// Kind returns the canonical node kind. Matching is case-insensitive,
// "condition" folds into rule and anything unrecognized is generic.
func (t NodeType) Kind() NodeType {
	switch NodeType(strings.ToLower(strings.TrimSpace(string(t)))) {
	case NodeTypeInput:
		return NodeTypeInput
	case NodeTypeRule, NodeTypeCondition:
		return NodeTypeRule
	case NodeTypeApproval:
		return NodeTypeApproval
	case NodeTypeExport:
		return NodeTypeExport
	default:
		return NodeTypeGeneric
	}
}

// WorkflowStatus is the authoring state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"
	WorkflowStatusPublished WorkflowStatus = "published"
)

// Workflow is an approval workflow definition owned by a company.
// Definitions are read-only input to a run.
type Workflow struct {
	ID        string         `json:"id"`
	CompanyID string         `json:"companyId"`
	Name      string         `json:"name"`
	Status    WorkflowStatus `json:"status,omitempty"`
	IsActive  bool           `json:"isActive"`
	CreatedBy string         `json:"createdBy,omitempty"`
	Nodes     []Node         `json:"nodes"`
	Edges     []Edge         `json:"edges,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Node is a typed step in a workflow graph.
type Node struct {
	ID     string         `json:"id"`
	Type   NodeType       `json:"type,omitempty"`
	Label  string         `json:"label,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// UnmarshalJSON accepts both the flat {"config": {...}} shape and the
// builder shape {"data": {"config": {...}, "set": {...}}}.
func (n *Node) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID     string         `json:"id"`
		Type   NodeType       `json:"type"`
		Label  string         `json:"label"`
		Config map[string]any `json:"config"`
		Data   map[string]any `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	n.ID, n.Type, n.Label = raw.ID, raw.Type, raw.Label
	n.Config = raw.Config
	if raw.Data == nil {
		return nil
	}
	if n.Config == nil {
		if cfg, ok := raw.Data["config"].(map[string]any); ok {
			n.Config = cfg
		} else {
			// Approval and export nodes built without a config block keep
			// their settings directly on data.
			n.Config = make(map[string]any, len(raw.Data))
			for k, v := range raw.Data {
				if k != "set" && k != "output" && k != "label" {
					n.Config[k] = v
				}
			}
		}
	}
	for _, k := range []string{"set", "output"} {
		if v, ok := raw.Data[k]; ok {
			if _, exists := n.Config[k]; !exists {
				if n.Config == nil {
					n.Config = map[string]any{}
				}
				n.Config[k] = v
			}
		}
	}
	if n.Label == "" {
		if l, ok := raw.Data["label"].(string); ok {
			n.Label = l
		}
	}
	return nil
}

// ConfigString returns the first non-empty string value among keys.
func (n *Node) ConfigString(keys ...string) string {
	for _, k := range keys {
		if s, ok := n.Config[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Edge is a declared connection between nodes. Edges are kept for UI and
// audit fidelity; routing is resolved from node config.
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpLooseEq    Operator = "=="
	OpStrictEq   Operator = "==="
	OpLooseNe    Operator = "!="
	OpStrictNe   Operator = "!=="
	OpGt         Operator = ">"
	OpGte        Operator = ">="
	OpLt         Operator = "<"
	OpLte        Operator = "<="
	OpIn         Operator = "in"
	OpNotIn      Operator = "not in"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpEndsWith   Operator = "endsWith"
	OpExists     Operator = "exists"
)

// KnownOperators lists every operator the evaluator understands.
var KnownOperators = []Operator{
	OpLooseEq, OpStrictEq, OpLooseNe, OpStrictNe,
	OpGt, OpGte, OpLt, OpLte,
	OpIn, OpNotIn, OpContains, OpStartsWith, OpEndsWith, OpExists,
}

// IsKnown reports whether op is a recognized operator.
func (op Operator) IsKnown() bool {
	for _, k := range KnownOperators {
		if op == k {
			return true
		}
	}
	return false
}

// Condition tests one field of a row. Field is a dotted path.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// AssigneeRule assigns Assignee to rows matching the embedded condition.
type AssigneeRule struct {
	Condition
	Assignee string `json:"assignee,omitempty"`
}

// Conditions decodes config[key] as a list of conditions. Entries that do
// not decode become zero conditions, which never pass.
func (n *Node) Conditions(key string) []Condition {
	rules := n.AssigneeRules(key)
	if rules == nil {
		return nil
	}
	out := make([]Condition, len(rules))
	for i, r := range rules {
		out[i] = r.Condition
	}
	return out
}

// AssigneeRules decodes config[key] as a list of assignee rules. It returns
// nil when the key is absent or not a list.
func (n *Node) AssigneeRules(key string) []AssigneeRule {
	v, ok := n.Config[key]
	if !ok || v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return nil
	}
	out := make([]AssigneeRule, len(items))
	for i, item := range items {
		var r AssigneeRule
		if err := json.Unmarshal(item, &r); err != nil {
			continue
		}
		out[i] = r
	}
	return out
}
