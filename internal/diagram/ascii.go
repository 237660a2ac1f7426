package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const boxGap = 2

var decisionTags = map[string]string{
	"approved": "[OK]",
	"rejected": "[REJ]",
	"pending":  "[PEND]",
	"skipped":  "[SKIP]",
}

// RenderASCII draws the model as rows of boxes, one row per level, with
// each row centred on the widest one. Labelled routes are listed below the
// drawing since the rows do not show which box leads where.
func RenderASCII(model *DiagramModel) string {
	rows := make([][]string, 0, len(model.Levels))
	width := 0
	for _, level := range model.Levels {
		var boxes [][]string
		for _, id := range level {
			if n := model.lookup(id); n != nil {
				boxes = append(boxes, drawBox(boxContent(n)))
			}
		}
		if len(boxes) == 0 {
			continue
		}
		row := joinBoxes(boxes)
		width = max(width, textWidth(row[0]))
		rows = append(rows, row)
	}

	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}
	for i, row := range rows {
		if i > 0 {
			arrow := strings.Repeat(" ", width/2)
			b.WriteString(arrow + "│\n" + arrow + "▼\n")
		}
		for _, line := range row {
			pad := (width - textWidth(line)) / 2
			b.WriteString(strings.Repeat(" ", pad) + line + "\n")
		}
	}

	routes := labelledRoutes(model)
	if len(routes) > 0 {
		b.WriteString("\nroutes:\n")
		for _, r := range routes {
			b.WriteString("  " + r + "\n")
		}
	}
	return b.String()
}

// boxContent lists the lines drawn inside a node's box: its caption, then
// the run overlay when there is one.
func boxContent(n *Node) []string {
	lines := []string{n.caption()}
	if n.Status == nil {
		return lines
	}
	if tag, ok := decisionTags[n.Status.Status]; ok {
		lines = append(lines, tag)
	}
	if n.Status.Visits > 1 {
		lines = append(lines, fmt.Sprintf("x%d", n.Status.Visits))
	}
	if n.Status.Assignee != "" {
		lines = append(lines, "@"+n.Status.Assignee)
	}
	return lines
}

func drawBox(content []string) []string {
	inner := 0
	for _, c := range content {
		inner = max(inner, textWidth(c))
	}
	edge := strings.Repeat("─", inner+2)
	box := make([]string, 0, len(content)+2)
	box = append(box, "┌"+edge+"┐")
	for _, c := range content {
		box = append(box, "│ "+c+strings.Repeat(" ", inner-textWidth(c))+" │")
	}
	return append(box, "└"+edge+"┘")
}

// joinBoxes lays boxes side by side, top aligned, padding shorter boxes so
// every line of the row has the same width.
func joinBoxes(boxes [][]string) []string {
	height := 0
	for _, box := range boxes {
		height = max(height, len(box))
	}
	lines := make([]string, height)
	for i, box := range boxes {
		w := textWidth(box[0])
		for row := range height {
			if i > 0 {
				lines[row] += strings.Repeat(" ", boxGap)
			}
			if row < len(box) {
				lines[row] += box[row]
			} else {
				lines[row] += strings.Repeat(" ", w)
			}
		}
	}
	return lines
}

func labelledRoutes(model *DiagramModel) []string {
	var routes []string
	for _, e := range model.Edges {
		if e.Label == "" {
			continue
		}
		from, to := model.lookup(e.From), model.lookup(e.To)
		if from == nil || to == nil {
			continue
		}
		routes = append(routes, fmt.Sprintf("%s -%s-> %s", from.caption(), e.Label, to.caption()))
	}
	return routes
}

func textWidth(s string) int {
	return utf8.RuneCountInString(s)
}
