package expressions

import (
	"context"
	"testing"

	"github.com/rendis/invoiceflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoJQEngine_Compile(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, LanguageJQ, e.Name())
	assert.NoError(t, e.Compile(".lines | map(.total) | add"))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(e.Compile(".[")))
}

func TestNormalizeNumbers(t *testing.T) {
	in := map[string]any{
		"n":     3,
		"u":     uint32(4),
		"f":     float32(1.5),
		"lines": []any{map[string]any{"qty": int64(2)}},
		"tags":  []string{"a"},
		"name":  "x",
	}
	assert.Equal(t, map[string]any{
		"n":     3.0,
		"u":     4.0,
		"f":     1.5,
		"lines": []any{map[string]any{"qty": 2.0}},
		"tags":  []any{"a"},
		"name":  "x",
	}, normalizeNumbers(in))
	assert.Equal(t, 3, in["n"], "input is not modified")
}

func TestGoJQ_Outputs(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()
	row := map[string]any{
		"lines":  []any{map[string]any{"total": 10}, map[string]any{"total": 5.5}},
		"vendor": map[string]any{"name": "Acme"},
	}

	out, err := e.Evaluate(ctx, ".vendor.name", row)
	require.NoError(t, err)
	assert.Equal(t, "Acme", out)

	out, err = e.Evaluate(ctx, ".lines | map(.total) | add", row)
	require.NoError(t, err)
	assert.Equal(t, 15.5, out)

	out, err = e.Evaluate(ctx, ".lines[].total", row)
	require.NoError(t, err)
	assert.Equal(t, []any{10.0, 5.5}, out)

	out, err = e.Evaluate(ctx, "empty", row)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = e.Evaluate(ctx, ".[", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = e.Evaluate(ctx, `error("boom")`, map[string]any{})
	assert.Equal(t, schema.ErrCodeExecution, schema.ErrorCode(err))

	out, err := e.Evaluate(ctx, "$ENV | length", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestTruthy(t *testing.T) {
	for _, v := range []any{nil, false, 0, 0.0, "", int64(0)} {
		assert.False(t, Truthy(v), "%#v", v)
	}
	for _, v := range []any{true, 1, -2.5, "x", []any{}, map[string]any{}} {
		assert.True(t, Truthy(v), "%#v", v)
	}
}
