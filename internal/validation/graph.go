package validation

import (
	"fmt"

	"github.com/rendis/invoiceflow/pkg/schema"
)

// validateGraph walks the routing derived from node config: it reports
// routing cycles (the engine only stops them at its step ceiling) and nodes
// the entry node can never reach.
func validateGraph(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	entry := wf.EntryNode()
	if entry == nil {
		return result
	}

	routes := wf.Routing()
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(routes))
	reported := make(map[string]bool)

	var visit func(id string, path []string)
	visit = func(id string, path []string) {
		state[id] = onStack
		path = append(path, id)
		for _, next := range routes[id].Targets() {
			if _, ok := routes[next]; !ok {
				continue
			}
			switch state[next] {
			case onStack:
				if !reported[next] {
					reported[next] = true
					result.AddWarning(fmt.Sprintf("nodes[%s]", next), schema.ErrCodeCycleDetected,
						fmt.Sprintf("routing cycle through %q: %v", next, append(cyclePath(path, next), next)))
				}
			case unvisited:
				visit(next, path)
			}
		}
		state[id] = done
	}
	visit(entry.ID, nil)

	for i, n := range wf.Nodes {
		if state[n.ID] == unvisited {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from entry node %q", n.ID, entry.ID))
		}
	}
	return result
}

func cyclePath(path []string, start string) []string {
	for i, id := range path {
		if id == start {
			return append([]string(nil), path[i:]...)
		}
	}
	return path
}
