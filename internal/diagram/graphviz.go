package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

var kindShapes = map[NodeKind]cgraph.Shape{
	NodeKindInput:    cgraph.EllipseShape,
	NodeKindRule:     cgraph.DiamondShape,
	NodeKindApproval: cgraph.HexagonShape,
	NodeKindExport:   cgraph.NoteShape,
	NodeKindStart:    cgraph.CircleShape,
	NodeKindEnd:      cgraph.DoubleCircleShape,
}

type decisionStyle struct {
	fill, font string
	style      cgraph.NodeStyle
}

var decisionStyles = map[string]decisionStyle{
	"approved": {"#2d6a2d", "white", cgraph.FilledNodeStyle},
	"rejected": {"#8b1a1a", "white", cgraph.FilledNodeStyle},
	"pending":  {"#b7791a", "white", cgraph.FilledNodeStyle},
	"skipped":  {"#e8e8e8", "#888888", cgraph.DashedNodeStyle},
}

// RenderImage lays the model out top to bottom with dot and returns it as
// PNG. Node shapes follow the node kind; run decisions colour the nodes.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: graph: %w", err)
	}
	defer graph.Close()
	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	created := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, n := range model.Nodes {
		gn, err := graph.CreateNodeByName(n.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: node %s: %w", n.ID, err)
		}
		styleNode(gn, n)
		created[n.ID] = gn
	}
	for _, e := range model.Edges {
		from, to := created[e.From], created[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := graph.CreateEdgeByName(e.From+"->"+e.To+":"+e.Label, from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: edge %s->%s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render png: %w", err)
	}
	return buf.Bytes(), nil
}

func styleNode(gn *cgraph.Node, n *Node) {
	label := n.caption()
	shape, ok := kindShapes[n.Kind]
	if !ok {
		shape = cgraph.BoxShape
	}
	gn.SetShape(shape)
	if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
		gn.SetWidth(0.5)
		gn.SetHeight(0.5)
	}

	if n.Status != nil {
		if st, ok := decisionStyles[n.Status.Status]; ok {
			gn.SetStyle(st.style)
			gn.SetFillColor(st.fill)
			gn.SetFontColor(st.font)
		}
		if n.Status.Assignee != "" {
			label += "\n@" + n.Status.Assignee
		}
	}
	gn.SetLabel(label)
}
