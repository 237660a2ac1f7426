package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rendis/invoiceflow/pkg/schema"
)

// --- Test helpers ---

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
}

type notification struct {
	target string
	rows   []schema.Row
}

func (r *recordingNotifier) Notify(target string, rows []schema.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, notification{target: target, rows: rows})
}

func newTestEngine(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return New(opts)
}

func node(id, typ string, cfg map[string]any) schema.Node {
	return schema.Node{ID: id, Type: schema.NodeType(typ), Config: cfg}
}

func rule(field string, op string, value any) map[string]any {
	return map[string]any{"field": field, "operator": op, "value": value}
}

func stepIDs(steps []schema.RunStep) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.NodeID
	}
	return ids
}

// scenarioWorkflow routes amount > 1000 to an approval and the rest to an
// export.
func scenarioWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID: "wf-a",
		Nodes: []schema.Node{
			node("start", "input", map[string]any{"next": "check"}),
			node("check", "rule", map[string]any{
				"rules":     []any{rule("amount", ">", 1000)},
				"trueNext":  "approve",
				"falseNext": "export",
			}),
			node("approve", "approval", map[string]any{
				"rules": []any{
					map[string]any{"field": "amount", "operator": ">", "value": 0, "assignee": "manager"},
				},
			}),
			node("export", "export", map[string]any{"exportType": "csv", "target": "s3://invoices"}),
		},
	}
}

// --- Entry and empty workflow ---

func TestExecute_EmptyWorkflow(t *testing.T) {
	e := newTestEngine(Options{})
	res := e.Execute(context.Background(), &schema.Workflow{}, []schema.Row{{"a": 1}})
	assert.Equal(t, schema.RunStatusApproved, res.Status)
	assert.Empty(t, res.Steps)
	assert.NotNil(t, res.Steps)

	res = e.Execute(context.Background(), nil, nil)
	assert.Equal(t, schema.RunStatusApproved, res.Status)
	assert.Empty(t, res.Steps)
}

func TestExecute_EntryIsInputNodeElseFirst(t *testing.T) {
	e := newTestEngine(Options{})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("g", "generic", nil),
		node("in", "INPUT", nil),
	}}
	res := e.Execute(context.Background(), wf, []schema.Row{{}})
	assert.Equal(t, []string{"in"}, stepIDs(res.Steps))

	wf.Nodes = []schema.Node{node("g1", "notify", map[string]any{"next": "g2"}), node("g2", "generic", nil)}
	res = e.Execute(context.Background(), wf, []schema.Row{{}})
	assert.Equal(t, []string{"g1", "g2"}, stepIDs(res.Steps))
}

func TestExecuteFrom_ExplicitStart(t *testing.T) {
	e := newTestEngine(Options{})
	wf := scenarioWorkflow()

	res := e.ExecuteFrom(context.Background(), wf, "export", []schema.Row{{"amount": 1.0}})
	assert.Equal(t, []string{"export"}, stepIDs(res.Steps))

	res = e.ExecuteFrom(context.Background(), wf, "ghost", []schema.Row{{"amount": 1.0}})
	assert.Empty(t, res.Steps)
	assert.Equal(t, []schema.Row{{"amount": 1.0}}, res.Rows)
}

// --- End-to-end scenarios ---

func TestExecute_ScenarioSplitsRowsAcrossBranches(t *testing.T) {
	e := newTestEngine(Options{})
	rows := []schema.Row{
		{"amount": 1500.0, "invoice_id": 1.0},
		{"amount": 500.0, "invoice_id": 2.0},
	}
	res := e.Execute(context.Background(), scenarioWorkflow(), rows)

	assert.Equal(t, schema.RunStatusApproved, res.Status)
	require.Equal(t, []string{"start", "check", "approve", "export"}, stepIDs(res.Steps))

	start := res.Steps[0]
	assert.Equal(t, schema.DecisionApproved, start.Decision)
	assert.True(t, start.Meta.Executed)

	check := res.Steps[1]
	assert.Equal(t, schema.DecisionApproved, check.Decision)
	require.NotNil(t, check.ActedAt)
	assert.Equal(t, fixedNow, *check.ActedAt)
	assert.Equal(t, &schema.BranchCounts{True: 1, False: 1}, check.Meta.Branch)
	assert.Equal(t, []schema.Row{rows[0]}, check.Meta.Branches.True)
	assert.Equal(t, []schema.Row{rows[1]}, check.Meta.Branches.False)

	approve := res.Steps[2]
	assert.Equal(t, schema.DecisionPending, approve.Decision)
	assert.Nil(t, approve.ActedAt)
	assert.True(t, approve.Meta.Approval)
	require.Len(t, approve.Meta.Output, 1)
	assert.Equal(t, []string{"manager"}, approve.Meta.Output[0]["assignees"])
	assert.Equal(t, "manager", approve.AssigneeID)

	export := res.Steps[3]
	assert.Equal(t, schema.DecisionApproved, export.Decision)
	assert.Equal(t, &schema.ExportInfo{ExportType: "csv", Target: "s3://invoices"}, export.Meta.Export)
	assert.Equal(t, []schema.Row{rows[1]}, export.Meta.Output)

	require.Len(t, res.Rows, 2)
	assert.Equal(t, 1.0, res.Rows[0]["invoice_id"])
	assert.Equal(t, 2.0, res.Rows[1]["invoice_id"])
	assert.False(t, res.Truncated)
}

func TestExecute_BranchContinuesAtTargetNotEntry(t *testing.T) {
	e := newTestEngine(Options{})
	res := e.Execute(context.Background(), scenarioWorkflow(), []schema.Row{{"amount": 5000.0}})
	assert.Equal(t, []string{"start", "check", "approve"}, stepIDs(res.Steps))
}

func TestApproval_AllMatchingAssigneesAccumulate(t *testing.T) {
	e := newTestEngine(Options{})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("a", "approval", map[string]any{
			"rules": []any{
				map[string]any{"field": "amount", "operator": ">", "value": 100, "assignee": "alice"},
				map[string]any{"field": "currency", "operator": "==", "value": "EUR", "assignee": "bob"},
				map[string]any{"field": "currency", "operator": "==", "value": "USD", "assignee": "carol"},
			},
		}),
	}}
	res := e.Execute(context.Background(), wf, []schema.Row{{"amount": 500.0, "currency": "EUR"}})
	require.Len(t, res.Steps, 1)
	assert.Equal(t, []string{"alice", "bob"}, res.Steps[0].Meta.Output[0]["assignees"])
	assert.Empty(t, res.Steps[0].AssigneeID, "several approvers share the step")
	assert.Equal(t, []string{"alice", "bob"}, res.Steps[0].Assignees())
}

func TestApproval_StaticAssigneeAndNext(t *testing.T) {
	e := newTestEngine(Options{})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("a", "approval", map[string]any{"assignee": "finance", "next": "e"}),
		node("e", "export", map[string]any{"format": "json"}),
	}}
	rows := []schema.Row{{"id": "x"}}
	res := e.Execute(context.Background(), wf, rows)

	require.Equal(t, []string{"a", "e"}, stepIDs(res.Steps))
	assert.Equal(t, []string{"finance"}, res.Steps[0].Meta.Output[0]["assignees"])
	assert.Equal(t, rows, res.Steps[0].Meta.Input)
	assert.Equal(t, "json", res.Steps[1].Meta.Export.ExportType)
	assert.Equal(t, []string{"finance"}, res.Steps[1].Meta.Output[0]["assignees"])
	assert.NotContains(t, rows[0], "assignees", "input rows are never mutated")
}

func TestApproval_RulesListTakesPrecedenceOverStaticAssignee(t *testing.T) {
	e := newTestEngine(Options{})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("a", "approval", map[string]any{"rules": []any{}, "assignee": "finance"}),
	}}
	res := e.Execute(context.Background(), wf, []schema.Row{{}})
	assert.Equal(t, []string{}, res.Steps[0].Meta.Output[0]["assignees"])
	assert.Empty(t, res.Steps[0].AssigneeID)
}

// --- Export ---

func TestExport_KindAndTargetSynonyms(t *testing.T) {
	tests := []struct {
		name       string
		cfg        map[string]any
		wantKind   string
		wantTarget string
	}{
		{"exportType and target", map[string]any{"exportType": "csv", "target": "t"}, "csv", "t"},
		{"type and url", map[string]any{"type": "webhook", "url": "http://h"}, "webhook", "http://h"},
		{"format and destination", map[string]any{"format": "xlsx", "destination": "d"}, "xlsx", "d"},
		{"defaults", nil, "none", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := node("e", "export", tt.cfg)
			assert.Equal(t, tt.wantKind, ExportKind(&n))
			assert.Equal(t, tt.wantTarget, ExportTarget(&n))
		})
	}
}

func TestExport_WebhookNotifiesAndTerminates(t *testing.T) {
	rec := &recordingNotifier{}
	e := newTestEngine(Options{Notifier: rec})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("e", "export", map[string]any{"exportType": "webhook", "url": "http://hooks/invoices", "next": "g"}),
		node("g", "generic", nil),
	}}
	rows := []schema.Row{{"invoice_id": 9.0}}
	res := e.Execute(context.Background(), wf, rows)

	assert.Equal(t, []string{"e"}, stepIDs(res.Steps))
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "http://hooks/invoices", rec.calls[0].target)
	assert.Equal(t, rows, rec.calls[0].rows)
}

func TestExport_NonWebhookOrMissingTargetDoesNotNotify(t *testing.T) {
	rec := &recordingNotifier{}
	e := newTestEngine(Options{Notifier: rec})
	for _, cfg := range []map[string]any{
		{"exportType": "csv", "target": "http://x"},
		{"exportType": "webhook"},
	} {
		wf := &schema.Workflow{Nodes: []schema.Node{node("e", "export", cfg)}}
		e.Execute(context.Background(), wf, []schema.Row{{}})
	}
	assert.Empty(t, rec.calls)
}

// --- Rule node ---

func TestRule_ExpressionOverridesConditionChain(t *testing.T) {
	e := newTestEngine(Options{})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("r", "condition", map[string]any{
			"rules":      []any{rule("amount", ">", 1_000_000)},
			"expression": `currency == "EUR"`,
		}),
	}}
	rows := []schema.Row{{"amount": 10.0, "currency": "EUR"}, {"amount": 10.0, "currency": "USD"}}
	res := e.Execute(context.Background(), wf, rows)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, []schema.Row{rows[0]}, res.Steps[0].Meta.Branches.True)
	assert.Equal(t, []schema.Row{rows[1]}, res.Steps[0].Meta.Branches.False)
}

func TestRule_BrokenExpressionIsFalse(t *testing.T) {
	e := newTestEngine(Options{})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("r", "rule", map[string]any{"expression": "amount >"}),
	}}
	res := e.Execute(context.Background(), wf, []schema.Row{{"amount": 10.0}})
	assert.Equal(t, &schema.BranchCounts{False: 1}, res.Steps[0].Meta.Branch)
}

func TestRule_CELExpression(t *testing.T) {
	e := newTestEngine(Options{})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("r", "rule", map[string]any{
			"expression":         `row.amount > 1000 && row.vendor.country == "DE"`,
			"expressionLanguage": "cel",
		}),
	}}
	rows := []schema.Row{
		{"amount": 1500, "vendor": map[string]any{"country": "DE"}},
		{"amount": 1500, "vendor": map[string]any{"country": "FR"}},
		{"amount": 1500},
	}
	res := e.Execute(context.Background(), wf, rows)
	assert.Equal(t, &schema.BranchCounts{True: 1, False: 2}, res.Steps[0].Meta.Branch)
}

func TestRule_NoRulesEverythingPasses(t *testing.T) {
	e := newTestEngine(Options{})
	wf := &schema.Workflow{Nodes: []schema.Node{node("r", "rule", nil)}}
	res := e.Execute(context.Background(), wf, []schema.Row{{}, {}})
	assert.Equal(t, &schema.BranchCounts{True: 2}, res.Steps[0].Meta.Branch)
	assert.Equal(t, []schema.Row{}, res.Steps[0].Meta.Branches.False)
}

func TestRule_DanglingTargetsPassRowsThrough(t *testing.T) {
	e := newTestEngine(Options{})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("r", "rule", map[string]any{
			"rules":     []any{rule("amount", ">", 10)},
			"trueNext":  "missing",
			"falseNext": "",
			"next":      "after",
		}),
		node("after", "generic", nil),
	}}
	rows := []schema.Row{{"amount": 50.0}, {"amount": 1.0}}
	res := e.Execute(context.Background(), wf, rows)
	assert.Equal(t, []string{"r"}, stepIDs(res.Steps), "a rule node ends its frame")
	assert.Equal(t, rows, res.Rows)
}

func TestRule_BranchRowsReplaceCurrentRows(t *testing.T) {
	e := newTestEngine(Options{})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("r", "rule", map[string]any{"rules": []any{rule("amount", ">", 10)}, "trueNext": "tag"}),
		node("tag", "generic", map[string]any{"set": map[string]any{"tier": "high"}}),
	}}
	res := e.Execute(context.Background(), wf, []schema.Row{{"amount": 50.0}, {"amount": 1.0}})
	assert.Equal(t, []schema.Row{{"amount": 50.0, "tier": "high"}}, res.Rows)
}

func TestRule_ParallelBranchesKeepOrder(t *testing.T) {
	rows := []schema.Row{
		{"amount": 1500.0, "invoice_id": 1.0},
		{"amount": 500.0, "invoice_id": 2.0},
		{"amount": 2500.0, "invoice_id": 3.0},
	}
	seq := newTestEngine(Options{}).Execute(context.Background(), scenarioWorkflow(), rows)
	for i := 0; i < 20; i++ {
		par := newTestEngine(Options{ParallelBranches: true}).Execute(context.Background(), scenarioWorkflow(), rows)
		assert.Equal(t, seq, par)
	}
}

// --- Transform ---

func TestTransform_SetMapping(t *testing.T) {
	e := newTestEngine(Options{})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("g", "generic", map[string]any{"set": map[string]any{
			"vendorName": "$.vendor.name",
			"firstLine":  "$.lines.0.total",
			"missing":    "$.vendor.zip.code",
			"stage":      "review",
			"total":      "jq:.lines | map(.total) | add",
		}}),
	}}
	row := schema.Row{
		"vendor": map[string]any{"name": "Acme"},
		"lines":  []any{map[string]any{"total": 10.0}, map[string]any{"total": 5.0}},
	}
	res := e.Execute(context.Background(), wf, []schema.Row{row})
	out := res.Steps[0].Meta.Output[0]

	assert.Equal(t, "Acme", out["vendorName"])
	assert.Equal(t, 10.0, out["firstLine"])
	assert.Contains(t, out, "missing")
	assert.Nil(t, out["missing"])
	assert.Equal(t, "review", out["stage"])
	assert.Equal(t, 15.0, out["total"])

	assert.Equal(t, []schema.Row{row}, res.Steps[0].Meta.Input, "step input is the pre-transform row set")
	assert.NotContains(t, row, "stage")
}

func TestTransform_FailureLeavesRowUnmodified(t *testing.T) {
	e := newTestEngine(Options{})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("g", "generic", map[string]any{"output": map[string]any{
			"stage": "review",
			"bad":   `jq:error("boom")`,
		}}),
	}}
	res := e.Execute(context.Background(), wf, []schema.Row{{"a": 1.0}})
	assert.Equal(t, []schema.Row{{"a": 1.0}}, res.Steps[0].Meta.Output)
}

func TestTransform_AppliesBeforeRuleEvaluation(t *testing.T) {
	e := newTestEngine(Options{})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("r", "rule", map[string]any{
			"set":   map[string]any{"gross": "$.totals.gross"},
			"rules": []any{rule("gross", ">=", 100)},
		}),
	}}
	res := e.Execute(context.Background(), wf, []schema.Row{{"totals": map[string]any{"gross": 120.0}}})
	assert.Equal(t, 1, res.Steps[0].Meta.Branch.True)
}

// --- Safety ceilings ---

func TestExecute_LinearCycleHitsStepCeiling(t *testing.T) {
	e := newTestEngine(Options{})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("loop", "generic", map[string]any{"next": "loop"}),
	}}
	res := e.Execute(context.Background(), wf, []schema.Row{{}})
	assert.Len(t, res.Steps, DefaultMaxSteps)
	assert.True(t, res.Truncated)
	assert.Equal(t, schema.RunStatusApproved, res.Status)
}

func TestExecute_BranchCycleHitsDepthCeiling(t *testing.T) {
	e := newTestEngine(Options{MaxDepth: 5})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("r", "rule", map[string]any{"trueNext": "r"}),
	}}
	res := e.Execute(context.Background(), wf, []schema.Row{{"n": 1.0}})
	assert.Len(t, res.Steps, 6)
	assert.True(t, res.Truncated)
	assert.Equal(t, []schema.Row{{"n": 1.0}}, res.Rows)
}

func TestExecute_MalformedConfigDegrades(t *testing.T) {
	e := newTestEngine(Options{})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("r", "rule", map[string]any{"rules": "not a list", "trueNext": 42, "set": "nope"}),
	}}
	var res *Result
	assert.NotPanics(t, func() {
		res = e.Execute(context.Background(), wf, []schema.Row{{"a": 1.0}, nil})
	})
	assert.Equal(t, &schema.BranchCounts{True: 2}, res.Steps[0].Meta.Branch)
}

// --- Laws ---

func TestExecute_Idempotent(t *testing.T) {
	e := newTestEngine(Options{})
	rows := []schema.Row{{"amount": 1500.0, "invoice_id": 1.0}, {"amount": 10.0, "invoice_id": 2.0}}
	first := e.Execute(context.Background(), scenarioWorkflow(), rows)
	second := e.Execute(context.Background(), scenarioWorkflow(), rows)
	assert.Equal(t, first, second)
}

func TestProperty_RulePartitionIsTotal(t *testing.T) {
	e := newTestEngine(Options{})
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.Float64Range(-1000, 1000).Draw(t, "threshold")
		op := rapid.SampledFrom([]string{">", ">=", "<", "<=", "==", "!=", "exists", "contains", "bogus"}).Draw(t, "op")
		n := rapid.IntRange(0, 30).Draw(t, "rows")
		rows := make([]schema.Row, n)
		for i := range rows {
			switch rapid.IntRange(0, 3).Draw(t, "shape") {
			case 0:
				rows[i] = schema.Row{"amount": rapid.Float64Range(-2000, 2000).Draw(t, "amount")}
			case 1:
				rows[i] = schema.Row{"amount": rapid.String().Draw(t, "text")}
			case 2:
				rows[i] = schema.Row{"amount": nil}
			default:
				rows[i] = schema.Row{}
			}
		}
		wf := &schema.Workflow{Nodes: []schema.Node{
			node("r", "rule", map[string]any{"rules": []any{rule("amount", op, threshold)}}),
		}}
		res := e.Execute(context.Background(), wf, rows)
		if len(res.Steps) != 1 {
			t.Fatalf("expected one rule step, got %d", len(res.Steps))
		}
		b := res.Steps[0].Meta.Branch
		if b.True+b.False != len(rows) {
			t.Fatalf("partition lost rows: %d + %d != %d", b.True, b.False, len(rows))
		}
	})
}

func TestApproval_StepAssigneeNeedsAgreement(t *testing.T) {
	e := newTestEngine(Options{})
	wf := &schema.Workflow{Nodes: []schema.Node{
		node("a", "approval", map[string]any{
			"rules": []any{
				map[string]any{"field": "amount", "operator": ">", "value": 1000, "assignee": "cfo"},
				map[string]any{"field": "amount", "operator": "<=", "value": 1000, "assignee": "clerk"},
			},
		}),
	}}

	same := e.Execute(context.Background(), wf, []schema.Row{{"amount": 2000.0}, {"amount": 3000.0}})
	assert.Equal(t, "cfo", same.Steps[0].AssigneeID)

	mixed := e.Execute(context.Background(), wf, []schema.Row{{"amount": 2000.0}, {"amount": 10.0}})
	assert.Empty(t, mixed.Steps[0].AssigneeID)
	assert.Equal(t, []string{"cfo", "clerk"}, mixed.Steps[0].Assignees())
}
