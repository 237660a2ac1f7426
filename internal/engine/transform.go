package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"

	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/pkg/schema"
)

const (
	refPrefix = "$."
	jqPrefix  = "jq:"
)

// transform returns a shallow copy of every row with the node's set (or
// output) mapping applied. String values prefixed "$." are dotted paths
// resolved against the original row, values prefixed "jq:" are jq programs
// run with the original row as input, anything else is a literal. A row
// whose mapping fails is copied unmodified.
func (e *Engine) transform(ctx context.Context, node *schema.Node, rows []schema.Row) []schema.Row {
	mapping := setMapping(node)
	out := make([]schema.Row, len(rows))
	for i, row := range rows {
		next, err := e.applyMapping(ctx, mapping, row)
		if err != nil {
			logging.LogWith(ctx, e.opts.Logger).Debug("transform failed, row left unmodified",
				slog.Int("row", i), slog.Any("error", err))
			next = cloneRow(row)
		}
		out[i] = next
	}
	return out
}

func setMapping(node *schema.Node) map[string]any {
	for _, k := range []string{"set", "output"} {
		if m, ok := node.Config[k].(map[string]any); ok {
			return m
		}
	}
	return nil
}

func (e *Engine) applyMapping(ctx context.Context, mapping map[string]any, row schema.Row) (next schema.Row, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panic: %v", r)
		}
	}()

	next = cloneRow(row)
	for k, v := range mapping {
		s, ok := v.(string)
		switch {
		case ok && strings.HasPrefix(s, refPrefix):
			next[k] = resolveRef(row, s[len(refPrefix):])
		case ok && strings.HasPrefix(s, jqPrefix):
			val, err := e.jq.Evaluate(ctx, strings.TrimSpace(s[len(jqPrefix):]), row)
			if err != nil {
				return nil, err
			}
			next[k] = val
		default:
			next[k] = v
		}
	}
	return next, nil
}

// resolveRef walks a dotted path through row using exact keys. List
// elements are addressed by index. Anything unresolved is nil.
func resolveRef(row schema.Row, path string) any {
	var cur any = row
	for _, p := range strings.Split(path, ".") {
		switch c := cur.(type) {
		case map[string]any:
			cur = c[p]
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(c) {
				return nil
			}
			cur = c[i]
		default:
			return nil
		}
		if cur == nil {
			return nil
		}
	}
	return cur
}

func cloneRow(row schema.Row) schema.Row {
	if row == nil {
		return schema.Row{}
	}
	return maps.Clone(row)
}
