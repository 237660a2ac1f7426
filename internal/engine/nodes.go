package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/invoiceflow/internal/conditions"
	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// ExportWebhook is the push-style export kind that triggers a notification.
const ExportWebhook = "webhook"

// approval attaches the matching assignees to every row. With a rules list
// every passing rule contributes its assignee; without one a static
// assignee applies to all rows. The step stays pending for human action;
// when the rows agree on a single assignee it becomes the step assignee.
func (e *Engine) approval(node *schema.Node, before, rows []schema.Row) (schema.RunStep, []schema.Row) {
	rules := node.AssigneeRules("rules")
	static := node.ConfigString("assignee")

	processed := make([]schema.Row, len(rows))
	for i, row := range rows {
		assignees := []string{}
		if rules != nil {
			for _, r := range rules {
				if r.Assignee != "" && conditions.Evaluate(r.Condition, row) {
					assignees = append(assignees, r.Assignee)
				}
			}
		} else if static != "" {
			assignees = append(assignees, static)
		}
		next := cloneRow(row)
		next[schema.AssigneesKey] = assignees
		processed[i] = next
	}

	step := schema.RunStep{
		NodeID:   node.ID,
		Decision: schema.DecisionPending,
		Meta: schema.StepMeta{
			Approval: true,
			Input:    before,
			Output:   processed,
		},
	}
	// One approver for every row owns the step outright.
	if all := step.Assignees(); len(all) == 1 {
		step.AssigneeID = all[0]
	}
	return step, processed
}

// ExportKind returns the export kind configured on node, "none" when unset.
func ExportKind(node *schema.Node) string {
	if k := node.ConfigString("exportType", "type", "format"); k != "" {
		return k
	}
	return "none"
}

// ExportTarget returns the configured export destination, if any.
func ExportTarget(node *schema.Node) string {
	return node.ConfigString("target", "url", "destination")
}

// export records the export and hands webhook payloads to the notifier.
func (e *Engine) export(ctx context.Context, node *schema.Node, before, rows []schema.Row) schema.RunStep {
	kind, target := ExportKind(node), ExportTarget(node)

	if strings.EqualFold(kind, ExportWebhook) && target != "" {
		logging.LogWith(ctx, e.opts.Logger).Debug("dispatching export notification", slog.String("target", target))
		e.opts.Notifier.Notify(target, rows)
	}

	return schema.RunStep{
		NodeID:   node.ID,
		Decision: schema.DecisionApproved,
		ActedAt:  e.now(),
		Meta: schema.StepMeta{
			Export: &schema.ExportInfo{ExportType: kind, Target: target},
			Input:  before,
			Output: rows,
		},
	}
}

// generic marks input, generic and unrecognized nodes as executed.
func (e *Engine) generic(node *schema.Node, before, rows []schema.Row) schema.RunStep {
	return schema.RunStep{
		NodeID:   node.ID,
		Decision: schema.DecisionApproved,
		ActedAt:  e.now(),
		Meta: schema.StepMeta{
			Executed: true,
			Input:    before,
			Output:   rows,
		},
	}
}
