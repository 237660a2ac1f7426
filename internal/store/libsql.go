package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/invoiceflow/pkg/schema"
)

// LibSQLStore is the Store backed by an embedded libSQL database. Writes
// share one connection.
type LibSQLStore struct {
	db *sql.DB
}

// pragmas are applied to the single connection on open. Some of them
// answer with a row, so they go through Query.
var pragmas = []string{
	"journal_mode=WAL",
	"synchronous=NORMAL",
	"busy_timeout=5000",
	"cache_size=-20000",
	"foreign_keys=ON",
	"temp_store=MEMORY",
}

// NewLibSQLStore opens a libSQL database. dbPath is a file URI such as
// "file:/var/lib/invoiceflow/invoiceflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if rows, err := db.Query("PRAGMA " + p); err == nil {
			_ = rows.Close()
		}
	}
	return &LibSQLStore{db: db}, nil
}

// DB exposes the connection for maintenance and tests.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

const workflowColumns = `id, company_id, name, status, is_active, created_by, nodes, edges, created_at, updated_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	nodes, edges, err := marshalGraph(wf.Nodes, wf.Edges)
	if err != nil {
		return err
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusDraft
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = timeOrNow(wf.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.CompanyID, wf.Name, string(wf.Status), boolInt(wf.IsActive), nullStr(wf.CreatedBy),
		nodes, edges, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets clauses
	sets.add("updated_at = ?", time.Now().UTC())
	if update.Name != nil {
		sets.add("name = ?", *update.Name)
	}
	if update.Status != nil {
		sets.add("status = ?", string(*update.Status))
	}
	if update.IsActive != nil {
		sets.add("is_active = ?", boolInt(*update.IsActive))
	}
	if update.Nodes != nil {
		if err := sets.addJSON("nodes", update.Nodes); err != nil {
			return err
		}
	}
	if update.Edges != nil {
		if err := sets.addJSON("edges", update.Edges); err != nil {
			return err
		}
	}
	return s.update(ctx, "workflows", "workflow", id, &sets)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where clauses
	if filter.CompanyID != "" {
		where.add("company_id = ?", filter.CompanyID)
	}
	if filter.ActiveOnly {
		where.add("is_active = 1")
	}
	if filter.Status != nil {
		where.add("status = ?", string(*filter.Status))
	}
	return queryAll(ctx, s.db, scanWorkflow,
		`SELECT `+workflowColumns+` FROM workflows`+where.where()+
			` ORDER BY created_at DESC, id`+page(filter.Limit, filter.Offset),
		where.args...)
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// ActiveWorkflow returns the most recently created active workflow of a
// company.
func (s *LibSQLStore) ActiveWorkflow(ctx context.Context, companyID string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE company_id = ? AND is_active = 1
		 ORDER BY created_at DESC, id DESC LIMIT 1`, companyID)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no active workflow for company %q", companyID)
	}
	return wf, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(sc scanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var (
		createdBy            sql.NullString
		status               string
		isActive             int64
		nodesJSON, edgesJSON string
	)
	if err := sc.Scan(&wf.ID, &wf.CompanyID, &wf.Name, &status, &isActive, &createdBy,
		&nodesJSON, &edgesJSON, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Status = schema.WorkflowStatus(status)
	wf.IsActive = isActive != 0
	wf.CreatedBy = createdBy.String
	if err := json.Unmarshal([]byte(nodesJSON), &wf.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(edgesJSON), &wf.Edges); err != nil {
		return nil, fmt.Errorf("unmarshal edges: %w", err)
	}
	return wf, nil
}

func marshalGraph(nodes []schema.Node, edges []schema.Edge) (string, string, error) {
	if nodes == nil {
		nodes = []schema.Node{}
	}
	if edges == nil {
		edges = []schema.Edge{}
	}
	n, err := json.Marshal(nodes)
	if err != nil {
		return "", "", fmt.Errorf("marshal nodes: %w", err)
	}
	e, err := json.Marshal(edges)
	if err != nil {
		return "", "", fmt.Errorf("marshal edges: %w", err)
	}
	return string(n), string(e), nil
}

// --- Runs ---

const runColumns = `id, workflow_id, invoice_id, status, steps, meta, started_at, finished_at, created_at, updated_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.Run) error {
	steps, err := marshalSteps(run.Steps)
	if err != nil {
		return err
	}
	meta, err := marshalMeta(run.Meta)
	if err != nil {
		return err
	}
	var companyID, companyName string
	if run.Meta != nil {
		companyID, companyName = run.Meta.CompanyID, run.Meta.CompanyName
	}
	run.StartedAt = timeOrNow(run.StartedAt)
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = timeOrNow(run.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, invoice_id, status, steps, meta, company_id, company_name, started_at, finished_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, nullStr(run.InvoiceID), string(run.Status), steps, meta,
		nullStr(companyID), nullStr(companyName),
		run.StartedAt, nullTime(run.FinishedAt), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets clauses
	sets.add("updated_at = ?", time.Now().UTC())
	if update.Steps != nil {
		steps, err := marshalSteps(update.Steps)
		if err != nil {
			return err
		}
		sets.add("steps = ?", steps)
	}
	if update.Status != nil {
		sets.add("status = ?", string(*update.Status))
	}
	if update.FinishedAt != nil {
		sets.add("finished_at = ?", *update.FinishedAt)
	}
	if update.Meta != nil {
		meta, err := marshalMeta(update.Meta)
		if err != nil {
			return err
		}
		sets.add("meta = ?", meta)
		sets.add("company_id = ?", nullStr(update.Meta.CompanyID))
		sets.add("company_name = ?", nullStr(update.Meta.CompanyName))
	}
	return s.update(ctx, "runs", "run", id, &sets)
}

// ListRuns returns runs newest first, DefaultRunLimit at most unless the
// filter says otherwise. A company id filter wins over a company name.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	var where clauses
	switch {
	case filter.CompanyID != "":
		where.add("company_id = ?", filter.CompanyID)
	case filter.CompanyName != "":
		where.add("company_name = ?", filter.CompanyName)
	}
	if filter.WorkflowID != "" {
		where.add("workflow_id = ?", filter.WorkflowID)
	}
	if filter.Status != nil {
		where.add("status = ?", string(*filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultRunLimit
	}
	return queryAll(ctx, s.db, scanRun,
		`SELECT `+runColumns+` FROM runs`+where.where()+
			` ORDER BY created_at DESC, id DESC`+page(limit, filter.Offset),
		where.args...)
}

func scanRun(sc scanner) (*schema.Run, error) {
	run := &schema.Run{}
	var (
		invoiceID, meta sql.NullString
		status, steps   string
		finishedAt      sql.NullTime
	)
	if err := sc.Scan(&run.ID, &run.WorkflowID, &invoiceID, &status, &steps, &meta,
		&run.StartedAt, &finishedAt, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.InvoiceID = invoiceID.String
	run.Status = schema.RunStatus(status)
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if err := json.Unmarshal([]byte(steps), &run.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if raw := rawOrNil(meta); raw != nil {
		run.Meta = &schema.RunMeta{}
		if err := json.Unmarshal(raw, run.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal run meta: %w", err)
		}
	}
	return run, nil
}

func marshalSteps(steps []schema.RunStep) (string, error) {
	if steps == nil {
		steps = []schema.RunStep{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("marshal steps: %w", err)
	}
	return string(b), nil
}

func marshalMeta(meta *schema.RunMeta) (any, error) {
	if meta == nil {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal run meta: %w", err)
	}
	return string(b), nil
}

// --- Events ---

// AppendEvent stores event with the next sequence of its run. The sequence
// is computed by the INSERT itself so concurrent appends to one run cannot
// share a number.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	event.Timestamp = timeOrNow(event.Timestamp)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, node_id, event_type, payload, actor_id, timestamp, sequence)
		 SELECT ?, ?, ?, ?, ?, ?, COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`,
		event.RunID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), nullStr(event.ActorID),
		event.Timestamp, event.RunID,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT id, sequence FROM run_events WHERE rowid = last_insert_rowid()`,
	).Scan(&event.ID, &event.Sequence); err != nil {
		return fmt.Errorf("read event sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns the events of a run with sequence > since, ordered by
// sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return queryAll(ctx, s.db, scanEvent,
		`SELECT `+eventColumns+` FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where clauses
	where.add("event_type = ?", eventType)
	if filter.RunID != "" {
		where.add("run_id = ?", filter.RunID)
	}
	if filter.NodeID != "" {
		where.add("node_id = ?", filter.NodeID)
	}
	if filter.Since != nil {
		where.add("timestamp >= ?", *filter.Since)
	}
	return queryAll(ctx, s.db, scanEvent,
		`SELECT `+eventColumns+` FROM run_events`+where.where()+
			` ORDER BY timestamp ASC, id ASC`+page(filter.Limit, 0),
		where.args...)
}

const eventColumns = `id, run_id, node_id, event_type, payload, actor_id, timestamp, sequence`

func scanEvent(sc scanner) (*Event, error) {
	e := &Event{}
	var nodeID, payload, actorID sql.NullString
	if err := sc.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &payload, &actorID, &e.Timestamp, &e.Sequence); err != nil {
		return nil, err
	}
	e.NodeID = nodeID.String
	e.ActorID = actorID.String
	e.Payload = rawOrNil(payload)
	return e, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
