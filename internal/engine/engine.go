// Package engine interprets a workflow graph against a set of data rows.
//
// Routing is resolved from node config (see schema.RoutingTable), never from
// the edge list. Rule nodes split rows into true/false branches and continue
// each branch in a nested traversal that starts at the branch target.
// Execution never fails: malformed config, missing nodes and broken
// expressions degrade to false, unchanged or no-op. The only hard stops are
// the per-frame step ceiling and the branch depth ceiling.
package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rendis/invoiceflow/internal/expressions"
	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/internal/notify"
	"github.com/rendis/invoiceflow/pkg/schema"
)

const (
	// DefaultMaxSteps bounds the node visits of one traversal frame.
	DefaultMaxSteps = 2000
	// DefaultMaxDepth bounds nested branch traversals.
	DefaultMaxDepth = 256
)

// Options configures an Engine. Zero values select defaults.
type Options struct {
	MaxSteps int
	MaxDepth int

	// Now stamps actedAt on steps. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger

	// Notifier receives webhook export payloads. Defaults to notify.Nop.
	Notifier notify.Notifier

	// ParallelBranches runs the true and false branch traversals of a rule
	// node concurrently. Step order is the same either way.
	ParallelBranches bool
}

// Result is the outcome of one traversal.
type Result struct {
	Status schema.RunStatus `json:"status"`
	Steps  []schema.RunStep `json:"steps"`
	// Rows are the rows that left the top-level frame.
	Rows []schema.Row `json:"rows,omitempty"`
	// Truncated is set when a step or depth ceiling stopped a frame early.
	Truncated bool `json:"truncated,omitempty"`
}

// Engine executes workflows. It is safe for concurrent use.
type Engine struct {
	opts Options
	expr *expressions.ExprEngine
	cel  *expressions.CELEngine
	jq   *expressions.GoJQEngine
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}

	e := &Engine{
		opts: opts,
		expr: expressions.NewExprEngine(),
		jq:   expressions.NewGoJQEngine(),
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		opts.Logger.Warn("CEL engine unavailable, cel rule expressions evaluate to false", slog.Any("error", err))
	} else {
		e.cel = cel
	}
	return e
}

// Execute runs wf against rows from its entry node: the input node when
// there is one, else the first declared node.
func (e *Engine) Execute(ctx context.Context, wf *schema.Workflow, rows []schema.Row) *Result {
	return e.ExecuteFrom(ctx, wf, "", rows)
}

// ExecuteFrom runs wf against rows starting at startNodeID. An empty
// startNodeID selects the entry node. A workflow without nodes is approved
// with no steps.
func (e *Engine) ExecuteFrom(ctx context.Context, wf *schema.Workflow, startNodeID string, rows []schema.Row) *Result {
	res := &Result{Status: schema.RunStatusApproved, Steps: []schema.RunStep{}, Rows: rows}
	if wf == nil || len(wf.Nodes) == 0 {
		return res
	}
	if wf.ID != "" && logging.WorkflowID(ctx) == "" {
		ctx = logging.WithWorkflowID(ctx, wf.ID)
	}

	t := newTraversal(e, wf)
	start := wf.EntryNode()
	if startNodeID != "" {
		start = t.nodes[startNodeID]
		if start == nil {
			t.log(ctx).Warn("start node not found", slog.String("start_node", startNodeID))
			return res
		}
	}

	steps, out := t.run(ctx, start, rows, 0)
	res.Steps = append(res.Steps, steps...)
	res.Rows = out
	res.Truncated = t.truncated.Load()
	return res
}

// traversal holds the per-call lookup tables shared by every frame of one
// Execute call.
type traversal struct {
	e         *Engine
	wf        *schema.Workflow
	nodes     map[string]*schema.Node
	routes    schema.RoutingTable
	truncated atomic.Bool
}

func newTraversal(e *Engine, wf *schema.Workflow) *traversal {
	nodes := make(map[string]*schema.Node, len(wf.Nodes))
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if _, dup := nodes[n.ID]; !dup {
			nodes[n.ID] = n
		}
	}
	return &traversal{e: e, wf: wf, nodes: nodes, routes: wf.Routing()}
}

func (t *traversal) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, t.e.opts.Logger)
}

// run walks one frame from start and returns the steps it produced and the
// rows that left the frame.
func (t *traversal) run(ctx context.Context, start *schema.Node, rows []schema.Row, depth int) ([]schema.RunStep, []schema.Row) {
	var steps []schema.RunStep
	current := start

	for visits := 0; current != nil; visits++ {
		if visits >= t.e.opts.MaxSteps {
			t.truncated.Store(true)
			t.log(ctx).Warn("step ceiling reached, frame stopped",
				slog.Int("max_steps", t.e.opts.MaxSteps),
				slog.String("node_id", current.ID))
			break
		}

		node := current
		nctx := logging.WithNodeID(ctx, node.ID)
		before := rows
		rows = t.e.transform(nctx, node, rows)

		switch node.Type.Kind() {
		case schema.NodeTypeRule:
			ruleSteps, merged := t.rule(nctx, node, before, rows, depth)
			steps = append(steps, ruleSteps...)
			if len(merged) > 0 {
				rows = merged
			}
			return steps, rows

		case schema.NodeTypeApproval:
			var step schema.RunStep
			step, rows = t.e.approval(node, before, rows)
			steps = append(steps, step)

		case schema.NodeTypeExport:
			steps = append(steps, t.e.export(nctx, node, before, rows))
			return steps, rows

		default:
			steps = append(steps, t.e.generic(node, before, rows))
		}

		current = t.next(nctx, node)
	}
	return steps, rows
}

// next resolves the linear successor of node, or nil when the frame ends.
func (t *traversal) next(ctx context.Context, node *schema.Node) *schema.Node {
	id := t.routes[node.ID].Next
	if id == "" {
		return nil
	}
	n, ok := t.nodes[id]
	if !ok {
		t.log(ctx).Warn("routing target not found, frame ends", slog.String("next", id))
		return nil
	}
	return n
}

func (e *Engine) now() *time.Time {
	ts := e.opts.Now()
	return &ts
}
