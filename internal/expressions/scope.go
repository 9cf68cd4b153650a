package expressions

// Scope holds the layered namespaces available to template resolution.
// All fields are plain data so a scope can be built for tests without
// any engine machinery.
type Scope struct {
	// Input is the current node's (merged) input payload.
	Input any
	// Variables is the run-scoped mutable key-value store.
	Variables map[string]any
	// Secrets are write-once run credentials. Resolved values must never
	// be logged; warnings reference the expression only.
	Secrets map[string]string
	// Env is the injected environment allow-list. Arbitrary process
	// environment is deliberately not reachable from templates.
	Env map[string]string
	// Nodes maps completed node IDs to their outputs.
	Nodes map[string]any
	// Workflow is read-only run metadata (id, executionId, mode, startTime).
	Workflow map[string]any
}

// NodeOutput returns a completed node's output, or (nil, false) when the
// node has not produced one yet.
func (s *Scope) NodeOutput(nodeID string) (any, bool) {
	if s == nil || s.Nodes == nil {
		return nil, false
	}
	out, ok := s.Nodes[nodeID]
	return out, ok
}
