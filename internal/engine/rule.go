package engine

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/invoiceflow/internal/conditions"
	"github.com/rendis/invoiceflow/internal/expressions"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// branchRun is the outcome of one nested branch traversal.
type branchRun struct {
	steps []schema.RunStep
	rows  []schema.Row
}

// rule partitions rows, records the split and continues each non-empty
// branch from its target. It returns the rule step followed by the true
// branch steps and then the false branch steps, plus the merged leaf rows.
func (t *traversal) rule(ctx context.Context, node *schema.Node, before, rows []schema.Row, depth int) ([]schema.RunStep, []schema.Row) {
	trueRows, falseRows := t.e.partition(ctx, node, rows)

	step := schema.RunStep{
		NodeID:   node.ID,
		Decision: schema.DecisionApproved,
		ActedAt:  t.e.now(),
		Meta: schema.StepMeta{
			Input:    before,
			Branches: &schema.BranchOutput{True: trueRows, False: falseRows},
			Branch:   &schema.BranchCounts{True: len(trueRows), False: len(falseRows)},
		},
	}
	t.log(ctx).Info("branch split",
		slog.Int("true_count", len(trueRows)),
		slog.Int("false_count", len(falseRows)))

	route := t.routes[node.ID]
	trueNode := t.branchTarget(ctx, route.TrueNext, trueRows, depth)
	falseNode := t.branchTarget(ctx, route.FalseNext, falseRows, depth)

	var onTrue, onFalse branchRun
	runBranch := func(target *schema.Node, subset []schema.Row, dst *branchRun) {
		if target == nil {
			return
		}
		dst.steps, dst.rows = t.run(ctx, target, subset, depth+1)
	}

	if t.e.opts.ParallelBranches && trueNode != nil && falseNode != nil {
		var g errgroup.Group
		g.Go(func() error { runBranch(trueNode, trueRows, &onTrue); return nil })
		g.Go(func() error { runBranch(falseNode, falseRows, &onFalse); return nil })
		_ = g.Wait()
	} else {
		runBranch(trueNode, trueRows, &onTrue)
		runBranch(falseNode, falseRows, &onFalse)
	}

	steps := make([]schema.RunStep, 0, 1+len(onTrue.steps)+len(onFalse.steps))
	steps = append(steps, step)
	steps = append(steps, onTrue.steps...)
	steps = append(steps, onFalse.steps...)

	merged := make([]schema.Row, 0, len(onTrue.rows)+len(onFalse.rows))
	merged = append(merged, onTrue.rows...)
	merged = append(merged, onFalse.rows...)
	return steps, merged
}

// branchTarget returns the node a branch continues at, or nil when the
// branch is empty, has no destination or would exceed the depth ceiling.
func (t *traversal) branchTarget(ctx context.Context, id string, subset []schema.Row, depth int) *schema.Node {
	if id == "" || len(subset) == 0 {
		return nil
	}
	n, ok := t.nodes[id]
	if !ok {
		t.log(ctx).Warn("branch target not found, rows pass through", slog.String("target", id))
		return nil
	}
	if depth+1 > t.e.opts.MaxDepth {
		t.truncated.Store(true)
		t.log(ctx).Warn("branch depth ceiling reached, branch not followed",
			slog.Int("max_depth", t.e.opts.MaxDepth),
			slog.String("target", id))
		return nil
	}
	return n
}

// partition splits rows into those passing every configured condition and
// the rest. A configured expression replaces the condition chain's verdict.
func (e *Engine) partition(ctx context.Context, node *schema.Node, rows []schema.Row) (trueRows, falseRows []schema.Row) {
	conds := node.Conditions("rules")
	expression := strings.TrimSpace(node.ConfigString("expression"))
	language := node.ConfigString("expressionLanguage")
	logger := e.opts.Logger

	trueRows, falseRows = []schema.Row{}, []schema.Row{}
	for _, row := range rows {
		passed := true
		for _, c := range conds {
			passed = conditions.Evaluate(c, row)
			logger.DebugContext(ctx, "condition evaluated",
				slog.String("field", c.Field),
				slog.String("operator", string(c.Operator)),
				slog.Any("value", c.Value),
				slog.Bool("result", passed))
			if !passed {
				break
			}
		}
		if expression != "" {
			passed = e.evalExpression(ctx, language, expression, row)
		}
		if passed {
			trueRows = append(trueRows, row)
		} else {
			falseRows = append(falseRows, row)
		}
	}
	return trueRows, falseRows
}

// evalExpression runs a rule expression against row. Any failure is false.
func (e *Engine) evalExpression(ctx context.Context, language, expression string, row schema.Row) bool {
	var eng expressions.Engine = e.expr
	if strings.EqualFold(language, expressions.LanguageCEL) {
		if e.cel == nil {
			return false
		}
		eng = e.cel
	}
	out, err := eng.Evaluate(ctx, expression, row)
	if err != nil {
		e.opts.Logger.DebugContext(ctx, "rule expression failed, treated as false",
			slog.String("language", eng.Name()),
			slog.Any("error", err))
		return false
	}
	return expressions.Truthy(out)
}
