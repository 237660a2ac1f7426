package schema

// RouteKind describes how traversal leaves a node.
type RouteKind int

const (
	// RouteTerminal ends the traversal frame (export nodes).
	RouteTerminal RouteKind = iota
	// RouteLinear continues to Next when it resolves.
	RouteLinear
	// RouteBranch splits rows between TrueNext and FalseNext and ends the frame.
	RouteBranch
)

// NextTarget is the routing of one node, derived from its config.
type NextTarget struct {
	Kind      RouteKind
	Next      string
	TrueNext  string
	FalseNext string
}

// Targets returns the non-empty node ids this route may lead to.
func (t NextTarget) Targets() []string {
	var out []string
	for _, id := range []string{t.Next, t.TrueNext, t.FalseNext} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Route resolves the node's routing from its type and config.
func (n *Node) Route() NextTarget {
	switch n.Type.Kind() {
	case NodeTypeRule:
		return NextTarget{
			Kind:      RouteBranch,
			TrueNext:  n.ConfigString("trueNext"),
			FalseNext: n.ConfigString("falseNext"),
		}
	case NodeTypeExport:
		return NextTarget{Kind: RouteTerminal}
	default:
		return NextTarget{Kind: RouteLinear, Next: n.ConfigString("next")}
	}
}

// RoutingTable maps node ids to their resolved routes.
type RoutingTable map[string]NextTarget

// Routing builds the routing table for every node of the workflow.
// Later duplicates of a node id are ignored.
func (wf *Workflow) Routing() RoutingTable {
	rt := make(RoutingTable, len(wf.Nodes))
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if _, dup := rt[n.ID]; dup {
			continue
		}
		rt[n.ID] = n.Route()
	}
	return rt
}

// EntryNode returns the designated input node, else the first declared
// node, else nil.
func (wf *Workflow) EntryNode() *Node {
	for i := range wf.Nodes {
		if wf.Nodes[i].Type.Kind() == NodeTypeInput {
			return &wf.Nodes[i]
		}
	}
	if len(wf.Nodes) > 0 {
		return &wf.Nodes[0]
	}
	return nil
}
