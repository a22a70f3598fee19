package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/pkg/schema"
)

// Build constructs a Model from a workflow. When exec is non-nil its log and
// cursor are overlaid on the matching nodes.
func Build(wf *schema.Workflow, exec *schema.Execution) (*Model, error) {
	g, err := engine.BuildGraph(wf)
	if err != nil {
		return nil, fmt.Errorf("diagram: build graph: %w", err)
	}

	overlays := statusFromExecution(exec)
	model := &Model{Title: wf.Name}
	for _, id := range nodeOrder(g) {
		n := g.Nodes[id]
		node := &Node{
			ID:     id,
			Label:  fmt.Sprintf("%s (%s)", n.Step.DisplayName(), n.Step.Type),
			Kind:   stepTypeToKind(n.Step.Type),
			Status: overlays[id],
		}
		model.Nodes = append(model.Nodes, node)
		for _, child := range n.Children {
			model.Edges = append(model.Edges, Edge{From: id, To: child, Label: g.Nodes[child].Step.Branch})
		}
	}
	return model, nil
}

// nodeOrder lists nodes breadth-first from the entry, then any unreachable
// ones by position.
func nodeOrder(g *engine.Graph) []string {
	order := make([]string, 0, len(g.Nodes))
	if g.Entry == "" {
		return order
	}
	seen := map[string]bool{g.Entry: true}
	queue := []string{g.Entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, child := range g.Nodes[id].Children {
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}

	var rest []*engine.Node
	for id, n := range g.Nodes {
		if !seen[id] {
			rest = append(rest, n)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Step.Position < rest[j].Step.Position })
	for _, n := range rest {
		order = append(order, n.Step.ID)
	}
	return order
}

func stepTypeToKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepTypeTrigger:
		return NodeKindTrigger
	case schema.StepTypeCondition, schema.StepTypeBranchCondition:
		return NodeKindCondition
	case schema.StepTypeDelay, schema.StepTypeWaitForEvent:
		return NodeKindWait
	default:
		return NodeKindAction
	}
}

func statusFromExecution(exec *schema.Execution) map[string]*StatusOverlay {
	out := map[string]*StatusOverlay{}
	if exec == nil {
		return out
	}
	for _, e := range exec.Log {
		if e.StepID == "" {
			continue
		}
		st := StatusCompleted
		if e.Failed() {
			st = StatusFailed
		}
		out[e.StepID] = &StatusOverlay{Status: st, DurationMs: e.DurationMs, Error: e.Error}
	}
	if exec.Status == schema.ExecutionWaiting && exec.Cursor != nil {
		out[exec.Cursor.SuspendedStepID] = &StatusOverlay{Status: StatusWaiting}
	}
	return out
}
