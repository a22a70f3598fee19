package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/autoflow/pkg/schema"
)

// validateGraph checks the parent/child shape: exactly one entry step when
// any steps exist, and every step reachable from it. Because each step has at
// most one parent and every parent exists (checked by the semantic stage), a
// step the walk cannot reach sits on a parent cycle.
func validateGraph(steps []schema.Step) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(steps) == 0 {
		return result
	}

	children := make(map[string][]string, len(steps))
	var roots []string
	for _, s := range steps {
		if s.IsRoot() {
			roots = append(roots, s.ID)
			continue
		}
		children[*s.ParentID] = append(children[*s.ParentID], s.ID)
	}

	switch {
	case len(roots) == 0:
		result.AddError("steps", schema.ErrCodeCycleDetected,
			"workflow has no entry step; every step has a parent, so the parent links form a cycle")
		return result
	case len(roots) > 1:
		sort.Strings(roots)
		result.AddError("steps", schema.ErrCodeValidation,
			fmt.Sprintf("workflow has %d entry steps (%s); exactly one step may have no parent",
				len(roots), strings.Join(roots, ", ")))
		return result
	}

	reachable := map[string]bool{roots[0]: true}
	queue := []string{roots[0]}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, child := range children[node] {
			if !reachable[child] {
				reachable[child] = true
				queue = append(queue, child)
			}
		}
	}

	var cyclic []string
	for _, s := range steps {
		if !reachable[s.ID] {
			cyclic = append(cyclic, s.ID)
		}
	}
	if len(cyclic) > 0 {
		sort.Strings(cyclic)
		result.AddError("steps", schema.ErrCodeCycleDetected,
			fmt.Sprintf("steps %s are unreachable from entry step %q: their parent links form a cycle",
				strings.Join(cyclic, ", "), roots[0]))
	}
	return result
}
