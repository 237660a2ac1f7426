package diagram

import (
	"fmt"
	"slices"
	"strings"
)

// mermaidShapes holds the opening and closing delimiters of each node kind.
var mermaidShapes = map[NodeKind][2]string{
	NodeKindInput:    {"[/", "/]"},
	NodeKindRule:     {"{", "}"},
	NodeKindApproval: {"{{", "}}"},
	NodeKindExport:   {"[[", "]]"},
	NodeKindStart:    {"((", "))"},
	NodeKindEnd:      {"((", "))"},
}

var mermaidSafe = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// RenderMermaid renders the model as a Mermaid flowchart. Nodes with a run
// decision are assigned the class of the same name.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	classes := make(map[string][]string)
	for _, n := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNode(n))
		if n.Status == nil {
			continue
		}
		if _, ok := decisionStyles[n.Status.Status]; ok {
			classes[n.Status.Status] = append(classes[n.Status.Status], mermaidSafeID(n.ID))
		}
	}
	for _, e := range model.Edges {
		arrow := "-->"
		if e.Label != "" {
			arrow += "|" + e.Label + "|"
		}
		fmt.Fprintf(&b, "    %s %s %s\n", mermaidSafeID(e.From), arrow, mermaidSafeID(e.To))
	}

	b.WriteString("\n")
	names := make([]string, 0, len(decisionStyles))
	for name := range decisionStyles {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		st := decisionStyles[name]
		fmt.Fprintf(&b, "    classDef %s fill:%s,color:%s", name, st.fill, st.font)
		if name == "skipped" {
			b.WriteString(",stroke-dasharray:5 5")
		}
		b.WriteString("\n")
	}
	for _, name := range names {
		for _, id := range classes[name] {
			fmt.Fprintf(&b, "    class %s %s\n", id, name)
		}
	}
	return b.String()
}

func mermaidNode(n *Node) string {
	label := n.caption()
	if n.Status != nil && n.Status.Assignee != "" {
		label += " @" + n.Status.Assignee
	}
	shape, ok := mermaidShapes[n.Kind]
	if !ok {
		shape = [2]string{"[", "]"}
	}
	return fmt.Sprintf("%s%s%q%s", mermaidSafeID(n.ID), shape[0], label, shape[1])
}

// mermaidSafeID replaces the characters Mermaid does not accept in ids.
func mermaidSafeID(id string) string {
	return mermaidSafe.Replace(id)
}
