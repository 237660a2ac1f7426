// Package aggregate folds per-row engine results into a single Run: one
// outcome row per input row, a batch status and the CSV export.
package aggregate

import (
	"context"
	"log/slog"
	"maps"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/invoiceflow/internal/conditions"
	"github.com/rendis/invoiceflow/internal/engine"
	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// DefaultKeyField identifies a row when recovering its assignees from a
// step's recorded output.
const DefaultKeyField = "invoice_id"

// Row statuses stamped into the status column.
const (
	RowApproved    = "approved"
	RowNotApproved = "not approved"
)

// Executor runs a workflow against rows.
type Executor interface {
	Execute(ctx context.Context, wf *schema.Workflow, rows []schema.Row) *engine.Result
}

// Options configures an Aggregator. Zero values select defaults.
type Options struct {
	KeyField string
	// Concurrency bounds the rows executed at once. Defaults to GOMAXPROCS.
	Concurrency int
	Now         func() time.Time
	Logger      *slog.Logger
}

// Aggregator runs the engine once per row and assembles the Run.
type Aggregator struct {
	exec Executor
	opts Options
}

// New creates an Aggregator on top of exec.
func New(exec Executor, opts Options) *Aggregator {
	if opts.KeyField == "" {
		opts.KeyField = DefaultKeyField
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.GOMAXPROCS(0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{exec: exec, opts: opts}
}

// Aggregate executes wf against input and returns the resulting Run. input
// is either one row (schema.Row) or a batch ([]schema.Row or []any of
// rows); a nil input is one empty row. Each batch row runs in isolation and
// the outcome rows keep the input order.
func (a *Aggregator) Aggregate(ctx context.Context, wf *schema.Workflow, input any, company schema.Company) (*schema.Run, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is required")
	}
	rows, batch, err := normalizeInput(input)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithWorkflowID(ctx, wf.ID)
	startedAt := a.opts.Now()

	results := make([]*engine.Result, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i, row := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = a.exec.Execute(gctx, wf, []schema.Row{row})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "run aborted").WithCause(err)
	}

	outcome := make([]schema.Row, len(rows))
	steps := []schema.RunStep{}
	for i, res := range results {
		outcome[i] = a.outcomeRow(rows[i], res.Steps)
		steps = append(steps, res.Steps...)
		if res.Truncated {
			logging.LogWith(ctx, a.opts.Logger).Warn("row execution truncated", slog.Int("row", i))
		}
	}

	status := schema.RunStatusApproved
	if batch {
		for _, r := range outcome {
			if r[ColStatus] != RowApproved {
				status = schema.RunStatusPending
				break
			}
		}
	} else {
		status = results[0].Status
	}

	finishedAt := a.opts.Now()
	run := &schema.Run{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Steps:      steps,
		Status:     status,
		StartedAt:  startedAt,
		FinishedAt: &finishedAt,
		Meta: &schema.RunMeta{
			OutputCSV:   ToCSV(outcome),
			CompanyID:   company.ID,
			CompanyName: company.Name,
			Workflow:    wf.Snapshot(),
		},
		CreatedAt: startedAt,
		UpdatedAt: finishedAt,
	}
	if !batch {
		if id, ok := rows[0]["_id"]; ok && id != nil {
			run.InvoiceID = conditions.Stringify(id)
		}
	}

	logging.LogWith(ctx, a.opts.Logger).Info("run aggregated",
		slog.String("run_id", run.ID),
		slog.Int("rows", len(rows)),
		slog.Int("steps", len(steps)),
		slog.String("status", string(status)))
	return run, nil
}

// outcomeRow copies row and stamps the decision, assignees and export
// metadata derived from the row's own step log.
func (a *Aggregator) outcomeRow(row schema.Row, steps []schema.RunStep) schema.Row {
	out := maps.Clone(row)
	if out == nil {
		out = schema.Row{}
	}

	if step := DecisiveStep(steps); step != nil {
		out[ColApproval] = string(step.Decision)
		if step.Decision == schema.DecisionApproved {
			out[ColStatus] = RowApproved
		} else {
			out[ColStatus] = RowNotApproved
		}
		out[ColAssignees] = a.assigneesFor(row, step)
	}

	for i := range steps {
		if exp := steps[i].Meta.Export; exp != nil {
			out[ColExportFormat] = exp.ExportType
			out[ColExportDestination] = exp.Target
			break
		}
	}
	return out
}

// DecisiveStep picks the step that decides a row's outcome: the first
// approval or pending/rejected step, else the first step carrying any
// decision other than skipped. It returns nil when there is none.
func DecisiveStep(steps []schema.RunStep) *schema.RunStep {
	for i := range steps {
		s := &steps[i]
		if s.Meta.Approval || s.Decision == schema.DecisionPending || s.Decision == schema.DecisionRejected {
			return s
		}
	}
	for i := range steps {
		if steps[i].Decision == schema.DecisionApproved {
			return &steps[i]
		}
	}
	return nil
}

// assigneesFor finds row in the step's recorded output by the key field and
// returns the assignees recorded there. A step-level assignee is the
// fallback.
func (a *Aggregator) assigneesFor(row schema.Row, step *schema.RunStep) []string {
	key := row[a.opts.KeyField]
	for _, r := range step.Meta.OutputRows() {
		if conditions.LooseEqual(r[a.opts.KeyField], key) {
			if list := stringList(r[ColAssignees]); list != nil {
				return list
			}
			break
		}
	}
	if step.AssigneeID != "" {
		return []string{step.AssigneeID}
	}
	return []string{}
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			out = append(out, conditions.Stringify(item))
		}
		return out
	}
	return nil
}

func normalizeInput(input any) (rows []schema.Row, batch bool, err error) {
	switch v := input.(type) {
	case nil:
		return []schema.Row{{}}, false, nil
	case map[string]any:
		return []schema.Row{v}, false, nil
	case []schema.Row:
		return v, true, nil
	case []any:
		rows = make([]schema.Row, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok && item != nil {
				return nil, false, schema.NewErrorf(schema.ErrCodeValidation,
					"batch item %d is not an object", i)
			}
			rows[i] = m
		}
		return rows, true, nil
	}
	return nil, false, schema.NewErrorf(schema.ErrCodeValidation,
		"input must be an object or an array of objects, got %T", input)
}
