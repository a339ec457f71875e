package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"
)

// Reporter receives workflow and node status events. Delivery mirrors the
// deployment reporting contract: at-least-once, ordered per workflow.
type Reporter interface {
	WorkflowStatus(workflowID, status, errorMessage string)
	NodeStatus(workflowID, nodeID, status, errorMessage string)
}

// ExecutorOptions tunes workflow execution.
type ExecutorOptions struct {
	// Parallelism bounds the number of nodes running at once.
	Parallelism int
	// NodeTimeout force-fails a node stuck past this span.
	NodeTimeout time.Duration
}

// Executor runs workflow graphs: nodes become ready when all dependencies
// completed, ready nodes run under the parallelism bound, and a failure
// propagates skipped to every transitive dependent while independent
// branches run to completion.
type Executor struct {
	registry *Registry
	reporter Reporter
	opts     ExecutorOptions
	log      *slog.Logger
}

// NewExecutor creates a workflow executor.
func NewExecutor(registry *Registry, reporter Reporter, opts ExecutorOptions, log *slog.Logger) *Executor {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.NodeTimeout <= 0 {
		opts.NodeTimeout = 2 * time.Minute
	}
	return &Executor{registry: registry, reporter: reporter, opts: opts, log: log}
}

// RunResult summarizes one workflow run.
type RunResult struct {
	WorkflowID string
	Status     string
	Error      string
	NodeStates map[string]string
	StartedAt  time.Time
	FinishedAt time.Time
}

type nodeResult struct {
	id  string
	out Outputs
	err error
}

// Run executes the workflow to a terminal state. A structural error (cycle,
// dangling edge) is returned before any node runs.
func (e *Executor) Run(ctx context.Context, wf *Workflow) (*RunResult, error) {
	graph, err := BuildGraph(wf.GraphData)
	if err != nil {
		return nil, err
	}

	result := &RunResult{
		WorkflowID: wf.ID,
		NodeStates: make(map[string]string, graph.Len()),
		StartedAt:  time.Now().UTC(),
	}
	states := result.NodeStates
	for _, id := range graph.NodeIDs() {
		states[id] = NodePending
	}

	e.log.Info("workflow run starting", "workflow_id", wf.ID, "nodes", graph.Len())
	e.reporter.WorkflowStatus(wf.ID, RunRunning, "")

	indeg := graph.InDegrees()
	outputs := make(map[string]Outputs, graph.Len())
	var ready []string
	for _, id := range graph.NodeIDs() {
		if indeg[id] == 0 {
			states[id] = NodeReady
			e.reporter.NodeStatus(wf.ID, id, NodeReady, "")
			ready = append(ready, id)
		}
	}

	results := make(chan nodeResult)
	running := 0
	failed := false

	launch := func(id string) {
		states[id] = NodeRunning
		e.reporter.NodeStatus(wf.ID, id, NodeRunning, "")
		node, _ := graph.Node(id)
		inputs := make(Inputs)
		for _, dep := range graph.Dependencies(id) {
			for name, value := range outputs[dep] {
				inputs[name] = value
			}
		}
		running++
		go func() {
			nodeCtx, cancel := context.WithTimeout(ctx, e.opts.NodeTimeout)
			defer cancel()
			out, err := e.registry.Resolve(node.Type).Run(nodeCtx, node, inputs)
			results <- nodeResult{id: id, out: out, err: err}
		}()
	}

	for {
		for len(ready) > 0 && running < e.opts.Parallelism && ctx.Err() == nil {
			id := ready[0]
			ready = ready[1:]
			if states[id] != NodeReady {
				continue
			}
			launch(id)
		}
		if running == 0 {
			break
		}

		res := <-results
		running--
		if res.err != nil {
			if ctx.Err() != nil && errors.Is(res.err, context.Canceled) {
				// Interrupted by run cancellation, not a node failure.
				states[res.id] = NodeSkipped
				e.reporter.NodeStatus(wf.ID, res.id, NodeSkipped, "")
				continue
			}
			failed = true
			states[res.id] = NodeFailed
			e.log.Error("workflow node failed", "workflow_id", wf.ID, "node_id", res.id, "error", res.err)
			e.reporter.NodeStatus(wf.ID, res.id, NodeFailed, res.err.Error())
			// Failure propagates forward: every transitive dependent that has
			// not run yet is skipped. Independent branches are unaffected.
			for _, dep := range graph.TransitiveDependents(res.id) {
				if states[dep] == NodePending || states[dep] == NodeReady {
					states[dep] = NodeSkipped
					e.reporter.NodeStatus(wf.ID, dep, NodeSkipped, "")
				}
			}
			continue
		}
		states[res.id] = NodeCompleted
		outputs[res.id] = res.out
		e.reporter.NodeStatus(wf.ID, res.id, NodeCompleted, "")
		for _, dep := range graph.Dependents(res.id) {
			indeg[dep]--
			if indeg[dep] == 0 && states[dep] == NodePending {
				states[dep] = NodeReady
				e.reporter.NodeStatus(wf.ID, dep, NodeReady, "")
				ready = append(ready, dep)
			}
		}
	}

	result.FinishedAt = time.Now().UTC()
	switch {
	case ctx.Err() != nil && !failed:
		result.Status = RunCancelled
		result.Error = "run cancelled"
	case failed:
		result.Status = RunFailed
		result.Error = fmt.Sprintf("%d node(s) failed", countState(states, NodeFailed))
	default:
		result.Status = RunCompleted
	}
	e.log.Info("workflow run finished", "workflow_id", wf.ID, "status", result.Status)
	e.reporter.WorkflowStatus(wf.ID, result.Status, result.Error)
	return result, nil
}

func countState(states map[string]string, state string) int {
	n := 0
	for _, s := range states {
		if s == state {
			n++
		}
	}
	return n
}
