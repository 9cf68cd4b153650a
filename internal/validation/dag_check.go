package validation

import (
	"fmt"
	"sort"

	"github.com/leadstitch/flowline/pkg/schema"
)

// validateDAG checks that the node/edge graph is acyclic using iterative DFS
// with an explicit recursion stack, and reports a node participating in any
// cycle found. Unreachable nodes (no path from a root) produce warnings.
// Single pass, linear in nodes+edges; safe to call repeatedly.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		nodeIDs[n.ID] = true
	}

	// adjacency: source → targets. Dangling refs are skipped here; the
	// structure pass already reported them.
	next := make(map[string][]string, len(def.Nodes))
	indegree := make(map[string]int, len(def.Nodes))
	for _, e := range def.Edges {
		if !nodeIDs[e.Source] || !nodeIDs[e.Target] {
			continue
		}
		next[e.Source] = append(next[e.Source], e.Target)
		indegree[e.Target]++
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on the recursion stack
		black = 2 // fully explored
	)
	color := make(map[string]int, len(def.Nodes))

	// Deterministic traversal order.
	ordered := make([]string, 0, len(nodeIDs))
	for id := range nodeIDs {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	type frame struct {
		id   string
		next int
	}

	cycleReported := false
	for _, start := range ordered {
		if color[start] != white || cycleReported {
			continue
		}

		stack := []frame{{id: start}}
		color[start] = gray

		for len(stack) > 0 && !cycleReported {
			top := &stack[len(stack)-1]
			targets := next[top.id]

			if top.next < len(targets) {
				child := targets[top.next]
				top.next++

				switch color[child] {
				case gray:
					result.AddError(fmt.Sprintf("nodes[%s]", child), schema.TagDAG,
						fmt.Sprintf("workflow contains a cycle through node %q (edge %s -> %s)",
							child, top.id, child))
					cycleReported = true
				case white:
					color[child] = gray
					stack = append(stack, frame{id: child})
				}
				continue
			}

			color[top.id] = black
			stack = stack[:len(stack)-1]
		}
	}

	if cycleReported {
		return result // reachability is meaningless with a cycle present
	}

	// Reachability warning: nodes beyond the first with in-degree > 0 whose
	// ancestors never reach a root indicate a disconnected island — already
	// covered by cycle detection for true orphan loops, so only flag nodes
	// with no inbound edge and no outbound edge in multi-node graphs.
	if len(def.Nodes) > 1 {
		for _, n := range def.Nodes {
			if indegree[n.ID] == 0 && len(next[n.ID]) == 0 {
				result.AddWarning(fmt.Sprintf("nodes[%s]", n.ID), schema.TagConnection,
					fmt.Sprintf("node %q is isolated: no inbound or outbound edges", n.ID))
			}
		}
	}

	return result
}
