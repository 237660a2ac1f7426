package diagram

import (
	"errors"
	"fmt"

	"github.com/rendis/invoiceflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a workflow and an optional run.
// Topology comes from node routing: linear nodes point at their next node,
// rule nodes fork into labelled true/false edges, and routes that do not
// resolve end the flow. When run is set, each node carries the decision
// of its latest run step.
func Build(wf *schema.Workflow, run *schema.Run) (*DiagramModel, error) {
	if wf == nil {
		return nil, errors.New("diagram: workflow is nil")
	}
	if len(wf.Nodes) == 0 {
		return nil, fmt.Errorf("diagram: workflow %q has no nodes", wf.ID)
	}

	rt := wf.Routing()
	overlays := buildOverlays(run)

	nodes := make([]*Node, 0, len(rt)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	seen := make(map[string]bool, len(wf.Nodes))
	order := make([]string, 0, len(wf.Nodes))
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		order = append(order, n.ID)
		nodes = append(nodes, &Node{
			ID:     n.ID,
			Label:  nodeLabel(n),
			Kind:   nodeKind(n.Type),
			Status: overlays[n.ID],
		})
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	entry := wf.EntryNode()
	edges := buildEdges(entry.ID, order, rt)

	return &DiagramModel{
		Title:  titleOf(wf),
		Nodes:  nodes,
		Edges:  edges,
		Levels: buildLevels(entry.ID, order, rt),
	}, nil
}

// nodeKind converts a workflow node type to a NodeKind.
func nodeKind(t schema.NodeType) NodeKind {
	switch t.Kind() {
	case schema.NodeTypeInput:
		return NodeKindInput
	case schema.NodeTypeRule:
		return NodeKindRule
	case schema.NodeTypeApproval:
		return NodeKindApproval
	case schema.NodeTypeExport:
		return NodeKindExport
	default:
		return NodeKindGeneric
	}
}

// nodeLabel creates a human-readable label for a node.
func nodeLabel(n *schema.Node) string {
	name := n.Label
	if name == "" {
		name = n.ID
	}
	return fmt.Sprintf("%s\n(%s)", name, n.Type.Kind())
}

// buildOverlays indexes the latest decision per node of a run.
func buildOverlays(run *schema.Run) map[string]*StatusOverlay {
	if run == nil {
		return nil
	}
	out := make(map[string]*StatusOverlay)
	for _, step := range run.Steps {
		ov, ok := out[step.NodeID]
		if !ok {
			ov = &StatusOverlay{}
			out[step.NodeID] = ov
		}
		ov.Visits++
		ov.Status = string(step.Decision)
		if step.AssigneeID != "" {
			ov.Assignee = step.AssigneeID
		}
	}
	return out
}

// buildEdges derives edges from the routing table, adding the virtual
// start and end edges.
func buildEdges(entryID string, order []string, rt schema.RoutingTable) []Edge {
	edges := []Edge{{From: startID, To: entryID}}
	seen := make(map[Edge]bool)
	add := func(e Edge) {
		if !seen[e] {
			seen[e] = true
			edges = append(edges, e)
		}
	}
	target := func(id string) string {
		if _, ok := rt[id]; ok {
			return id
		}
		return endID
	}

	for _, id := range order {
		route := rt[id]
		switch route.Kind {
		case schema.RouteBranch:
			add(Edge{From: id, To: target(route.TrueNext), Label: "true"})
			add(Edge{From: id, To: target(route.FalseNext), Label: "false"})
		case schema.RouteLinear:
			add(Edge{From: id, To: target(route.Next)})
		default:
			add(Edge{From: id, To: endID})
		}
	}
	return edges
}

// buildLevels layers nodes by breadth-first distance from the entry node.
// Unreachable nodes share a level after the reachable ones.
func buildLevels(entryID string, order []string, rt schema.RoutingTable) [][]string {
	levels := [][]string{{startID}}
	depth := map[string]int{entryID: 0}
	frontier := []string{entryID}
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		var next []string
		for _, id := range frontier {
			for _, to := range rt[id].Targets() {
				if _, ok := rt[to]; !ok {
					continue
				}
				if _, visited := depth[to]; visited {
					continue
				}
				depth[to] = depth[id] + 1
				next = append(next, to)
			}
		}
		frontier = next
	}

	var orphans []string
	for _, id := range order {
		if _, ok := depth[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return append(levels, []string{endID})
}

// titleOf generates a diagram title from the workflow name.
func titleOf(wf *schema.Workflow) string {
	if wf.Name != "" {
		return wf.Name
	}
	return "Workflow"
}
