package engine

import (
	"sort"

	"github.com/rendis/autoflow/pkg/schema"
)

// Node is a step with its decoded config and ordered children.
type Node struct {
	Step     *schema.Step
	Config   schema.StepConfig
	Options  schema.StepOptions
	Children []string
}

// Graph is the in-memory parent/child tree of a workflow, built once per run.
type Graph struct {
	Nodes map[string]*Node
	Entry string
}

// BuildGraph decodes every step and links children to parents in position
// order. Shape checks (single entry, known parents, cycles) belong to the
// validator; BuildGraph only fails on undecodable configs.
func BuildGraph(wf *schema.Workflow) (*Graph, error) {
	g := &Graph{Nodes: make(map[string]*Node, len(wf.Steps))}
	if len(wf.Steps) == 0 {
		return g, nil
	}

	ordered := make([]*schema.Step, 0, len(wf.Steps))
	for i := range wf.Steps {
		ordered = append(ordered, &wf.Steps[i])
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	for _, step := range ordered {
		if _, dup := g.Nodes[step.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID).WithStep(step.ID)
		}
		cfg, opts, err := schema.DecodeStepConfig(step)
		if err != nil {
			return nil, err
		}
		g.Nodes[step.ID] = &Node{Step: step, Config: cfg, Options: opts}
	}

	for _, step := range ordered {
		if step.IsRoot() {
			if g.Entry == "" {
				g.Entry = step.ID
			}
			continue
		}
		if parent, ok := g.Nodes[*step.ParentID]; ok {
			parent.Children = append(parent.Children, step.ID)
		}
	}
	if g.Entry == "" {
		g.Entry = ordered[0].ID
	}
	return g, nil
}

// Next returns the children of id to enqueue after an outcome with the given
// branch. Labeled children follow only their branch; unlabeled children
// always run.
func (g *Graph) Next(id, branch string) []string {
	node, ok := g.Nodes[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(node.Children))
	for _, childID := range node.Children {
		label := g.Nodes[childID].Step.Branch
		if label != "" && branch != "" && label != branch {
			continue
		}
		out = append(out, childID)
	}
	return out
}

// UnlabeledChildren counts children of a branching step that carry no branch label.
func (g *Graph) UnlabeledChildren(id string) int {
	node, ok := g.Nodes[id]
	if !ok || !node.Step.Type.Branches() {
		return 0
	}
	n := 0
	for _, childID := range node.Children {
		if g.Nodes[childID].Step.Branch == "" {
			n++
		}
	}
	return n
}
