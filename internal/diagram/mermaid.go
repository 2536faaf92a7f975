package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart. Child edges are
// solid, sibling routing is dotted.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}
	for _, n := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(n))
	}
	for _, e := range model.Edges {
		arrow := "-->"
		if e.Kind == EdgeNext {
			arrow = "-.->"
		}
		label := ""
		if e.Label != "" {
			label = "|" + e.Label + "|"
		}
		fmt.Fprintf(&b, "    %s %s%s %s\n", mermaidID(e.From), arrow, label, mermaidID(e.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, n := range model.Nodes {
		if n.Status == nil {
			continue
		}
		if cls := statusClass(n.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidID(n.ID), cls)
		}
	}
	return b.String()
}

func mermaidNodeDef(n *Node) string {
	id := mermaidID(n.ID)
	label := n.Label
	if n.Status != nil && n.Status.Status != "" {
		label += " " + statusTag(n.Status.Status)
	}
	label = strings.ReplaceAll(label, `"`, "'")
	switch n.Kind {
	case NodeKindAsync:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindTask:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case NodeKindChild, NodeKindChildren, NodeKindChain:
		return fmt.Sprintf("%s[[%q]]", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidID prefixes ids so uuids starting with a digit stay valid.
func mermaidID(id string) string {
	return "n_" + strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(id)
}

// statusClass groups execution statuses into the five rendered classes.
func statusClass(status string) string {
	switch status {
	case "SUCCEEDED", "IGNORE_FAILED":
		return "succeeded"
	case "FAILED", "ERRORED", "ABORTED", "EXPIRED":
		return "failed"
	case "RUNNING", "QUEUED", "DISCONTINUING":
		return "running"
	case "ASYNC_WAITING", "TASK_WAITING", "PAUSED":
		return "waiting"
	case "SKIPPED":
		return "skipped"
	default:
		return ""
	}
}
