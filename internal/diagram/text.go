package diagram

import (
	"fmt"
	"strings"
)

func statusTag(status string) string {
	switch statusClass(status) {
	case "succeeded":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "waiting":
		return "[WAIT]"
	case "skipped":
		return "[SKIP]"
	default:
		return ""
	}
}

// RenderText renders a Model as an indented tree, one node per line.
// Sibling routes that are not plain next-step links are listed after the
// node that takes them.
func RenderText(model *Model) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n", model.Title)
	}
	routes := make(map[string][]Edge)
	for _, e := range model.Edges {
		if e.Kind == EdgeNext && e.Label != "NEXT_STEP" {
			routes[e.From] = append(routes[e.From], e)
		}
	}
	for _, n := range model.Nodes {
		indent := strings.Repeat("  ", n.Depth)
		fmt.Fprintf(&b, "%s- %s", indent, n.Label)
		if n.Status != nil {
			if tag := statusTag(n.Status.Status); tag != "" {
				fmt.Fprintf(&b, " %s", tag)
			}
			if n.Status.RetryCount > 0 {
				fmt.Fprintf(&b, " retries=%d", n.Status.RetryCount)
			}
			if n.Status.Error != "" {
				fmt.Fprintf(&b, " error=%q", firstLine(n.Status.Error))
			}
		}
		b.WriteString("\n")
		for _, e := range routes[n.ID] {
			to := e.To
			if target := model.Node(e.To); target != nil {
				to = target.Identifier
			}
			fmt.Fprintf(&b, "%s    %s -> %s\n", indent, e.Label, to)
		}
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
