package diagram

import "strings"

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindInput    NodeKind = "input"
	NodeKindRule     NodeKind = "rule"
	NodeKindApproval NodeKind = "approval"
	NodeKindExport   NodeKind = "export"
	NodeKindGeneric  NodeKind = "generic"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the run state of a node.
type StatusOverlay struct {
	Status   string // from schema.Decision
	Visits   int    // run steps recorded for the node
	Assignee string
}

// Edge is a route between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// lookup returns the node with the given id, or nil.
func (m *DiagramModel) lookup(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// caption is the first line of a node label.
func (n *Node) caption() string {
	label, _, _ := strings.Cut(n.Label, "\n")
	return label
}
