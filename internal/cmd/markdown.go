package cmd

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/yuin/goldmark"

	"github.com/harrison/conductor/internal/models"
)

// planHTMLRenderer renders a plan's per-node task/instructions Markdown
// into an HTML summary fragment, for embedding hosts that want a rendered
// view rather than the raw status table (spec.md section 3's documented
// job "task"/"instructions" text is authored as Markdown).
type planHTMLRenderer struct {
	md goldmark.Markdown
}

func newPlanHTMLRenderer() *planHTMLRenderer {
	return &planHTMLRenderer{md: goldmark.New()}
}

// RenderPlanSummary converts plan into one HTML fragment: a heading per
// node followed by its rendered task and, if present, agent instructions.
func (r *planHTMLRenderer) RenderPlanSummary(plan *models.PlanInstance) (string, error) {
	ids := make([]string, 0, len(plan.Nodes))
	for id := range plan.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out bytes.Buffer
	planName := plan.ID
	if plan.Spec != nil && plan.Spec.Name != "" {
		planName = plan.Spec.Name
	}
	fmt.Fprintf(&out, "<h1>%s</h1>\n", htmlEscape(planName))

	for _, id := range ids {
		node := plan.Nodes[id]
		state := plan.NodeStates[id]
		fmt.Fprintf(&out, "<section data-node-id=%q data-status=%q>\n", node.ID, state.Status)
		fmt.Fprintf(&out, "<h2>%s</h2>\n", htmlEscape(node.Name))
		if err := r.md.Convert([]byte(node.Task), &out); err != nil {
			return "", fmt.Errorf("render task for node %s: %w", node.ID, err)
		}
		if node.Instructions != "" {
			out.WriteString("<h3>Agent instructions</h3>\n")
			if err := r.md.Convert([]byte(node.Instructions), &out); err != nil {
				return "", fmt.Errorf("render instructions for node %s: %w", node.ID, err)
			}
		}
		out.WriteString("</section>\n")
	}
	return out.String(), nil
}

func htmlEscape(s string) string {
	var out bytes.Buffer
	for _, r := range s {
		switch r {
		case '&':
			out.WriteString("&amp;")
		case '<':
			out.WriteString("&lt;")
		case '>':
			out.WriteString("&gt;")
		case '"':
			out.WriteString("&quot;")
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}
