package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	workflowIDKey ctxKey = iota
	runIDKey
	nodeIDKey
	companyIDKey
	userIDKey
)

// correlationKeys pairs each context key with the attribute it is logged as,
// in output order.
var correlationKeys = []struct {
	key  ctxKey
	attr string
}{
	{companyIDKey, "company_id"},
	{userIDKey, "user_id"},
	{workflowIDKey, "workflow_id"},
	{runIDKey, "run_id"},
	{nodeIDKey, "node_id"},
}

func with(ctx context.Context, key ctxKey, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func value(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithWorkflowID returns a context carrying the workflow id. An empty id
// leaves ctx unchanged.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return with(ctx, workflowIDKey, id)
}

func WithRunID(ctx context.Context, id string) context.Context { return with(ctx, runIDKey, id) }

func WithNodeID(ctx context.Context, id string) context.Context { return with(ctx, nodeIDKey, id) }

// WithIDs sets the workflow, run and node ids at once.
func WithIDs(ctx context.Context, workflowID, runID, nodeID string) context.Context {
	return WithNodeID(WithRunID(WithWorkflowID(ctx, workflowID), runID), nodeID)
}

// WithActor records who a request acts for: the tenant and the user.
func WithActor(ctx context.Context, companyID, userID string) context.Context {
	return with(with(ctx, companyIDKey, companyID), userIDKey, userID)
}

func WorkflowID(ctx context.Context) string { return value(ctx, workflowIDKey) }

func RunID(ctx context.Context) string { return value(ctx, runIDKey) }

func NodeID(ctx context.Context) string { return value(ctx, nodeIDKey) }

func CompanyID(ctx context.Context) string { return value(ctx, companyIDKey) }

func UserID(ctx context.Context) string { return value(ctx, userIDKey) }

// Attrs returns the correlation ids set on ctx as log attributes.
func Attrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, k := range correlationKeys {
		if v := value(ctx, k.key); v != "" {
			attrs = append(attrs, slog.String(k.attr, v))
		}
	}
	return attrs
}

// LogWith returns logger with the correlation ids of ctx attached.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := Attrs(ctx)
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler adds the correlation ids of the record's context to
// every record, so logger.InfoContext(ctx, ...) carries them without
// LogWith.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(Attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a configured level name to an slog.Level. Unknown names
// fall back to info.
func ParseLevel(name string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
