package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadstitch/flowline/pkg/schema"
)

func TestCELEngine_Evaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `input.amount > 100.0`, map[string]any{
		"input": map[string]any{"amount": 250.0},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(ctx, `variables.region == "us"`, map[string]any{
		"variables": map[string]any{"region": "eu"},
	})
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCELEngine_SparseActivationDefaultsToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `"x" in input`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCELEngine_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `input..x ==`, nil)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeValidation, ferr.Code)
}

func TestCELEngine_EmptyExpression(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `output.n * 2`, map[string]any{
		"output": map[string]any{"n": 21},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, out)

	out, err = e.Evaluate(ctx, `{"id": output.id, "ok": true}`, map[string]any{
		"output": map[string]any{"id": "r-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "r-1", "ok": true}, out)
}

func TestExprEngine_UndefinedVariablesAllowed(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `missing == nil`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `output. +`, nil)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeValidation, ferr.Code)
}

func TestGoJQEngine_EvaluateValue(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	out, err := e.EvaluateValue(ctx, `.items | length`, map[string]any{
		"items": []any{1.0, 2.0, 3.0},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, out)

	out, err = e.EvaluateValue(ctx, `{total: (.items | add)}`, map[string]any{
		"items": []any{1.0, 2.0},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": 3.0}, out)
}

func TestGoJQEngine_MultipleOutputsCollect(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.EvaluateValue(context.Background(), `.items[]`, map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQEngine_EmptyOutputIsNil(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.EvaluateValue(context.Background(), `.items[] | select(. > 10)`, map[string]any{
		"items": []any{1.0, 2.0},
	})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.EvaluateValue(context.Background(), `.[ bad`, nil)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeValidation, ferr.Code)
}

func TestGoJQEngine_RuntimeError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.EvaluateValue(context.Background(), `.a + "s"`, map[string]any{"a": 1.0})
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeExecution, ferr.Code)
}

func TestGoJQEngine_EnvironBlocked(t *testing.T) {
	t.Setenv("FLOWLINE_JQ_PROBE", "leaky")
	e := NewGoJQEngine()

	out, err := e.EvaluateValue(context.Background(), `$ENV.FLOWLINE_JQ_PROBE`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out, "process environment must not leak into jq programs")
}

func TestGoJQEngine_NormalizesNonJSONInput(t *testing.T) {
	e := NewGoJQEngine()

	type payload struct {
		N int `json:"n"`
	}
	out, err := e.EvaluateValue(context.Background(), `.n`, payload{N: 7})
	require.NoError(t, err)
	assert.EqualValues(t, 7, out)
}

func TestEngineNames(t *testing.T) {
	cel, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", cel.Name())
	assert.Equal(t, "expr", NewExprEngine().Name())
	assert.Equal(t, "jq", NewGoJQEngine().Name())
}

func TestCELEngine_ProgramCacheReuse(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out, evalErr := e.Evaluate(ctx, `input.n > 1.0`, map[string]any{
			"input": map[string]any{"n": float64(i)},
		})
		require.NoError(t, evalErr)
		assert.Equal(t, i > 1, out)
	}
	assert.Len(t, e.cache, 1)
}
