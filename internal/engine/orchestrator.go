package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/leadstitch/flowline/internal/logging"
	"github.com/leadstitch/flowline/internal/validation"
	"github.com/leadstitch/flowline/pkg/schema"
)

// DefaultMaxParallelNodes bounds concurrent node dispatch when globals do
// not set a limit.
const DefaultMaxParallelNodes = 4

// Orchestrator runs whole workflows: it validates the definition, computes
// a dependency-ordered plan, dispatches ready nodes concurrently, merges
// multi-parent inputs, applies edge adapters, and assembles the terminal
// result.
type Orchestrator struct {
	validator *validation.Validator
	executor  *BlockExecutor
	adapters  *AdapterApplier
	logger    *slog.Logger
}

// NewOrchestrator wires an orchestrator from its collaborators.
func NewOrchestrator(validator *validation.Validator, executor *BlockExecutor, adapters *AdapterApplier, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		validator: validator,
		executor:  executor,
		adapters:  adapters,
		logger:    logger,
	}
}

// nodeState tracks scheduling bookkeeping for one node within a run.
type nodeState struct {
	node       schema.Node
	remaining  int // unsettled upstream edges
	dispatched bool
	settled    bool
	// delivered holds edge-adapted upstream values in edge definition
	// order. Empty after all upstreams settle means no healthy path
	// reached this node.
	delivered    []any
	deliveredErr *schema.FlowError
}

type nodeDone struct {
	id     string
	result *ExecutionResult
}

// Execute runs the workflow to completion and always returns a result.
// Validation failures short-circuit to a failed result with no nodes run.
func (o *Orchestrator) Execute(ctx context.Context, def *schema.WorkflowDefinition, ec *Context, initialInput any) *WorkflowExecutionResult {
	ctx = logging.WithWorkflowID(ctx, def.WorkflowID)
	ctx = logging.WithExecutionID(ctx, ec.ExecutionID)
	start := time.Now().UTC()
	logger := o.logger.With(
		slog.String("workflow_id", def.WorkflowID),
		slog.String("execution_id", ec.ExecutionID))

	run := &workflowRun{
		def:      def,
		ec:       ec,
		start:    start,
		logger:   logger,
		orch:     o,
		states:   make(map[string]*nodeState, len(def.Nodes)),
		outgoing: make(map[string][]schema.Edge),
		total:    len(def.Nodes),
	}

	if res := run.validate(ctx); res != nil {
		return res
	}

	run.emit(ctx, schema.EventWorkflowStarted, "", map[string]any{
		"workflowId": def.WorkflowID,
		"mode":       string(ec.Mode),
	})
	logger.InfoContext(ctx, "workflow started",
		slog.Int("nodes", len(def.Nodes)),
		slog.String("mode", string(ec.Mode)))

	run.buildGraph()
	return run.loop(ctx, initialInput)
}

// workflowRun is the per-execution scheduling state. It lives for one
// Execute call; the main loop is the only goroutine touching states.
type workflowRun struct {
	def    *schema.WorkflowDefinition
	ec     *Context
	start  time.Time
	logger *slog.Logger
	orch   *Orchestrator

	states   map[string]*nodeState
	outgoing map[string][]schema.Edge
	total    int

	settled   int
	running   int
	aborting  bool
	abortErr  *schema.FlowError
	lastPct   float64
	timeline  []schema.TimelineEvent
}

func (r *workflowRun) validate(ctx context.Context) *WorkflowExecutionResult {
	vres := &schema.ValidationResult{}
	if r.orch.validator != nil {
		vres.Merge(r.orch.validator.ValidateForMode(r.def, r.ec.Mode))
	}
	for _, e := range r.def.Edges {
		if e.Adapter != nil {
			vres.Merge(ValidateAdapter(e.Adapter))
		}
	}
	if vres.Valid() {
		return nil
	}
	ferr := asFlowError(vres.ToError(), "")
	r.logger.WarnContext(ctx, "workflow rejected by validation",
		slog.Int("errors", len(vres.Errors)))
	r.emit(ctx, schema.EventWorkflowFailed, "", map[string]any{"error": ferr.Message})
	return r.assemble(schema.WorkflowStatusFailed, nil, ferr)
}

func (r *workflowRun) buildGraph() {
	for _, n := range r.def.Nodes {
		r.states[n.ID] = &nodeState{node: n}
	}
	for _, e := range r.def.Edges {
		r.outgoing[e.Source] = append(r.outgoing[e.Source], e)
		if st, ok := r.states[e.Target]; ok {
			st.remaining++
		}
	}
}

// loop is the event-driven scheduler core: dispatch everything ready, then
// block on the completion channel until all nodes settle.
func (r *workflowRun) loop(ctx context.Context, initialInput any) *WorkflowExecutionResult {
	maxParallel := DefaultMaxParallelNodes
	if r.def.Globals != nil && r.def.Globals.MaxParallelNodes > 0 {
		maxParallel = r.def.Globals.MaxParallelNodes
	}
	pool := NewWorkerPool(maxParallel)
	defer pool.Shutdown()

	done := make(chan nodeDone, r.total)

	// Seed: in-degree zero nodes take the initial input.
	for _, n := range r.def.Nodes {
		st := r.states[n.ID]
		if st.remaining == 0 {
			st.delivered = append(st.delivered, initialInput)
			r.dispatch(ctx, pool, done, st)
		}
	}

	for r.settled < r.total {
		if r.running == 0 {
			// Nothing in flight and nothing settled us forward: remaining
			// nodes are unreachable (cancelled mid-abort or orphaned).
			r.settleRemaining(ctx)
			break
		}

		select {
		case d := <-done:
			r.running--
			r.settle(ctx, d.id, d.result)
			r.propagate(ctx, pool, done, d.id)
		case <-ctx.Done():
			r.aborting = true
			r.abortErr = schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(ctx.Err())
			// Drain in-flight work, then mark the rest cancelled.
			for r.running > 0 {
				d := <-done
				r.running--
				r.settle(ctx, d.id, d.result)
			}
			r.settleRemaining(ctx)
		}
	}

	return r.finish(ctx)
}

// dispatch submits a ready node to the pool. Adapter failures recorded on
// the state surface as a failed node without invoking the block.
func (r *workflowRun) dispatch(ctx context.Context, pool *WorkerPool, done chan nodeDone, st *nodeState) {
	st.dispatched = true

	if st.deliveredErr != nil {
		ferr := st.deliveredErr
		r.settle(ctx, st.node.ID, &ExecutionResult{
			NodeID:    st.node.ID,
			Status:    schema.NodeStatusFailed,
			Error:     ferr,
			StartTime: time.Now().UTC(),
			EndTime:   time.Now().UTC(),
		})
		r.propagate(ctx, pool, done, st.node.ID)
		return
	}

	input := MergeAll(st.delivered)
	node := st.node
	r.running++
	r.emit(ctx, schema.EventNodeStarted, node.ID, nil)

	err := pool.Submit(ctx, func(taskCtx context.Context) error {
		res := r.orch.executor.ExecuteNode(taskCtx, node, input, r.ec, r.def.Globals)
		done <- nodeDone{id: node.ID, result: res}
		return nil
	})
	if err != nil {
		r.running--
		ferr := schema.NewError(schema.ErrCodeExecution, "node dispatch failed").WithNode(node.ID).WithCause(err)
		r.settle(ctx, node.ID, &ExecutionResult{
			NodeID: node.ID, Status: schema.NodeStatusFailed, Error: ferr,
			StartTime: time.Now().UTC(), EndTime: time.Now().UTC(),
		})
		r.propagate(ctx, pool, done, node.ID)
	}
}

// settle records a terminal node result, emits its timeline event, and
// updates abort state.
func (r *workflowRun) settle(ctx context.Context, nodeID string, result *ExecutionResult) {
	st := r.states[nodeID]
	if st == nil || st.settled {
		return
	}
	st.settled = true
	r.settled++
	r.ec.setNodeResult(nodeID, result)

	switch result.Status {
	case schema.NodeStatusCompleted:
		details := map[string]any{"durationMs": result.ExecutionTime.Milliseconds()}
		if result.CacheHit {
			details["cacheHit"] = true
			r.emit(ctx, schema.EventNodeCacheHit, nodeID, nil)
		}
		if result.RetryCount > 0 {
			details["retries"] = result.RetryCount
		}
		if port, ok := result.Metadata["port"].(string); ok && port != "" && port != schema.DefaultPort {
			r.emit(ctx, schema.EventBranchTaken, nodeID, map[string]any{"port": port})
		}
		r.emit(ctx, schema.EventNodeCompleted, nodeID, details)
	case schema.NodeStatusFailed:
		details := map[string]any{}
		if result.Error != nil {
			details["error"] = result.Error.Message
			details["code"] = result.Error.Code
		}
		r.emit(ctx, schema.EventNodeFailed, nodeID, details)
		r.logger.WarnContext(ctx, "node failed",
			slog.String("node_id", nodeID),
			slog.Any("error", result.Error))
		if r.errorHandling() == schema.ErrorHandlingAbort && !r.aborting {
			r.aborting = true
			r.abortErr = schema.NewErrorf(schema.ErrCodeNodeFailed,
				"node %q failed, aborting run", nodeID).WithNode(nodeID).WithCause(result.Error)
		}
	case schema.NodeStatusSkipped:
		r.emit(ctx, schema.EventNodeSkipped, nodeID, nil)
	case schema.NodeStatusCancelled:
		r.emit(ctx, schema.EventNodeCancelled, nodeID, nil)
	}
}

// propagate walks the settled node's outgoing edges, delivering adapted
// outputs and dispatching or skipping targets whose upstreams all settled.
// Skips and cancellations cascade recursively through the same path.
func (r *workflowRun) propagate(ctx context.Context, pool *WorkerPool, done chan nodeDone, sourceID string) {
	result, _ := r.ec.GetNodeResult(sourceID)
	takenPort := schema.DefaultPort
	if result != nil {
		if p, ok := result.Metadata["port"].(string); ok && p != "" {
			takenPort = p
		}
	}

	for _, edge := range r.outgoing[sourceID] {
		target := r.states[edge.Target]
		if target == nil || target.settled {
			continue
		}
		target.remaining--

		// An edge delivers only when its source completed and the edge's
		// port matches the source's taken port.
		if result != nil && result.Status == schema.NodeStatusCompleted && edge.Port() == takenPort {
			value, err := r.orch.adapters.Apply(ctx, edge.Adapter, result.Output, r.ec.Scope(nil))
			if err != nil {
				target.deliveredErr = asFlowError(err, edge.Target)
			} else {
				target.delivered = append(target.delivered, value)
			}
		}

		if target.remaining > 0 || target.dispatched {
			continue
		}

		switch {
		case r.aborting:
			target.dispatched = true
			r.settle(ctx, target.node.ID, cancelledResult(target.node.ID))
			r.propagate(ctx, pool, done, target.node.ID)
		case len(target.delivered) == 0 && target.deliveredErr == nil:
			// No healthy upstream path: skip, and let the skip cascade.
			target.dispatched = true
			r.settle(ctx, target.node.ID, skippedResult(target.node.ID))
			r.propagate(ctx, pool, done, target.node.ID)
		default:
			r.dispatch(ctx, pool, done, target)
		}
	}
}

// settleRemaining marks every unsettled node cancelled (during abort) or
// skipped (unreachable).
func (r *workflowRun) settleRemaining(ctx context.Context) {
	for _, n := range r.def.Nodes {
		st := r.states[n.ID]
		if st.settled {
			continue
		}
		if r.aborting {
			r.settle(ctx, n.ID, cancelledResult(n.ID))
		} else {
			r.settle(ctx, n.ID, skippedResult(n.ID))
		}
	}
}

func (r *workflowRun) finish(ctx context.Context) *WorkflowExecutionResult {
	results := r.ec.NodeResults()
	var completed, failed, skipped int
	for _, res := range results {
		switch res.Status {
		case schema.NodeStatusCompleted:
			completed++
		case schema.NodeStatusFailed:
			failed++
		case schema.NodeStatusSkipped:
			skipped++
		}
	}

	var status schema.WorkflowStatus
	var runErr *schema.FlowError
	switch {
	case r.abortErr != nil && r.abortErr.Code == schema.ErrCodeCancelled:
		status = schema.WorkflowStatusCancelled
		runErr = r.abortErr
	case completed == r.total:
		status = schema.WorkflowStatusCompleted
	case r.abortErr != nil:
		status = schema.WorkflowStatusFailed
		runErr = r.abortErr
	case completed == 0:
		status = schema.WorkflowStatusFailed
		runErr = schema.NewError(schema.ErrCodeNodeFailed, "no node produced output")
	default:
		status = schema.WorkflowStatusPartial
	}

	output := r.leafOutput(results)

	r.emit(ctx, terminalEvent(status), "", map[string]any{
		"completed": completed,
		"failed":    failed,
		"skipped":   skipped,
	})
	r.logger.InfoContext(ctx, "workflow finished",
		slog.String("status", string(status)),
		slog.Int("completed", completed),
		slog.Int("failed", failed),
		slog.Int("skipped", skipped),
		slog.Duration("duration", time.Since(r.start)))

	res := r.assemble(status, output, runErr)
	res.Metadata.CompletedNodes = completed
	res.Metadata.FailedNodes = failed
	res.Metadata.SkippedNodes = skipped
	return res
}

// leafOutput merges the outputs of completed nodes with no outgoing edges,
// in definition order.
func (r *workflowRun) leafOutput(results map[string]*ExecutionResult) any {
	var outputs []any
	for _, n := range r.def.Nodes {
		if len(r.outgoing[n.ID]) > 0 {
			continue
		}
		if res, ok := results[n.ID]; ok && res.Status == schema.NodeStatusCompleted {
			outputs = append(outputs, res.Output)
		}
	}
	switch len(outputs) {
	case 0:
		return nil
	case 1:
		return outputs[0]
	default:
		return MergeAll(outputs)
	}
}

func (r *workflowRun) assemble(status schema.WorkflowStatus, output any, runErr *schema.FlowError) *WorkflowExecutionResult {
	return &WorkflowExecutionResult{
		ExecutionID: r.ec.ExecutionID,
		WorkflowID:  r.def.WorkflowID,
		Status:      status,
		Output:      output,
		Error:       runErr,
		NodeResults: r.ec.NodeResults(),
		Timeline:    r.timeline,
		Metadata: RunMetadata{
			TotalNodes:    r.total,
			ExecutionTime: time.Since(r.start),
		},
	}
}

func (r *workflowRun) errorHandling() schema.ErrorHandlingMode {
	if r.def.Globals != nil && r.def.Globals.ErrorHandling == schema.ErrorHandlingAbort {
		return schema.ErrorHandlingAbort
	}
	return schema.ErrorHandlingContinue
}

// emit records the timeline event and pushes progress. Percentage is
// monotonic non-decreasing and reaches 100 only on the terminal event.
func (r *workflowRun) emit(ctx context.Context, event, nodeID string, details map[string]any) {
	te := schema.TimelineEvent{
		Timestamp: time.Now().UTC(),
		Event:     event,
		NodeID:    nodeID,
		Details:   details,
	}
	r.timeline = append(r.timeline, te)

	var pct float64
	if isTerminalWorkflowEvent(event) {
		pct = 100
	} else if r.total > 0 {
		pct = float64(r.settled) / float64(r.total) * 100
		if pct > 99 {
			pct = 99
		}
	}
	if pct < r.lastPct {
		pct = r.lastPct
	}
	r.lastPct = pct
	r.ec.EmitProgress(pct, te)
}

func isTerminalWorkflowEvent(event string) bool {
	switch event {
	case schema.EventWorkflowCompleted, schema.EventWorkflowPartial,
		schema.EventWorkflowFailed, schema.EventWorkflowCancelled:
		return true
	}
	return false
}

func terminalEvent(status schema.WorkflowStatus) string {
	switch status {
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusPartial:
		return schema.EventWorkflowPartial
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return schema.EventWorkflowFailed
	}
}

func skippedResult(nodeID string) *ExecutionResult {
	now := time.Now().UTC()
	return &ExecutionResult{
		NodeID: nodeID, Status: schema.NodeStatusSkipped,
		StartTime: now, EndTime: now,
	}
}

func cancelledResult(nodeID string) *ExecutionResult {
	now := time.Now().UTC()
	return &ExecutionResult{
		NodeID: nodeID, Status: schema.NodeStatusCancelled,
		Error:     schema.NewError(schema.ErrCodeCancelled, "run aborted before node execution").WithNode(nodeID),
		StartTime: now, EndTime: now,
	}
}
