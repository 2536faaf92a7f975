package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Image formats accepted by RenderImage.
const (
	FormatPNG = "png"
	FormatSVG = "svg"
)

// RenderImage lays the model out with dot and encodes it as PNG or SVG.
func RenderImage(ctx context.Context, model *Model, format string) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG, "":
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, n := range model.Nodes {
		gvNode, err := graph.CreateNodeByName(n.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", n.Identifier, err)
		}
		gvNode.SetLabel(n.Label)
		applyNodeStyle(gvNode, n)
		gvNodes[n.ID] = gvNode
	}
	for _, e := range model.Edges {
		from, to := gvNodes[e.From], gvNodes[e.To]
		if from == nil || to == nil {
			continue
		}
		gvEdge, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: create edge: %w", err)
		}
		if e.Label != "" {
			gvEdge.SetLabel(e.Label)
		}
		if e.Kind == EdgeNext {
			gvEdge.SetStyle(cgraph.DashedEdgeStyle)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func applyNodeStyle(gvNode *cgraph.Node, n *Node) {
	switch n.Kind {
	case NodeKindAsync:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindTask:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindChild, NodeKindChildren, NodeKindChain:
		gvNode.SetShape(cgraph.BoxShape)
		gvNode.SetStyle(cgraph.RoundedNodeStyle)
	default:
		gvNode.SetShape(cgraph.BoxShape)
	}
	if n.Status == nil {
		return
	}
	fill, font := "", "white"
	switch statusClass(n.Status.Status) {
	case "succeeded":
		fill = "#2d6a2d"
	case "failed":
		fill = "#8b1a1a"
	case "running":
		fill = "#1a5276"
	case "waiting":
		fill = "#b7791a"
	case "skipped":
		fill, font = "#e8e8e8", "#888888"
	default:
		return
	}
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	gvNode.SetFillColor(fill)
	gvNode.SetFontColor(font)
}
