package runtime

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadstitch/flowline/internal/secrets"
	"github.com/leadstitch/flowline/internal/store"
	"github.com/leadstitch/flowline/internal/streaming"
	"github.com/leadstitch/flowline/pkg/schema"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "runtime-test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestRunner(t *testing.T, opts Options) *Runner {
	t.Helper()
	if opts.Store == nil {
		opts.Store = newTestStore(t)
	}
	r, err := NewRunner(opts)
	require.NoError(t, err)
	return r
}

func reshapeDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		WorkflowID: "reshape",
		Nodes: []schema.Node{
			{ID: "seed", Type: "input"},
			{ID: "pick", Type: "transform", Config: json.RawMessage(`{"map":{"userId":"user.id"}}`)},
		},
		Edges: []schema.Edge{{ID: "e1", Source: "seed", Target: "pick"}},
	}
}

func TestNewRunner_RequiresStore(t *testing.T) {
	_, err := NewRunner(Options{})
	assert.Error(t, err)
}

func TestRunWorkflow_PersistsEverything(t *testing.T) {
	st := newTestStore(t)
	r := newTestRunner(t, Options{Store: st})
	ctx := context.Background()

	result, err := r.RunWorkflow(ctx, reshapeDefinition(), RunOptions{
		Input: map[string]any{"user": map[string]any{"id": "u-1"}},
	})
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusCompleted, result.Status)
	assert.Equal(t, map[string]any{"userId": "u-1"}, result.Output)

	exec, err := st.GetExecution(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, exec.Status)
	assert.Equal(t, "reshape", exec.WorkflowID)
	assert.JSONEq(t, `{"user":{"id":"u-1"}}`, string(exec.Input))
	assert.JSONEq(t, `{"userId":"u-1"}`, string(exec.Output))
	require.NotNil(t, exec.CompletedAt)

	nodes, err := st.ListNodeExecutions(ctx, result.ExecutionID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		assert.Equal(t, schema.NodeStatusCompleted, n.Status)
	}

	events, err := st.ListEvents(ctx, result.ExecutionID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventWorkflowStarted, events[0].Event)
	assert.Equal(t, schema.EventWorkflowCompleted, events[len(events)-1].Event)
}

func TestRunWorkflow_ValidationFailureIsAResultNotAnError(t *testing.T) {
	st := newTestStore(t)
	r := newTestRunner(t, Options{Store: st})
	ctx := context.Background()

	def := &schema.WorkflowDefinition{
		WorkflowID: "broken",
		Nodes:      []schema.Node{{ID: "x", Type: "no-such-block"}},
	}

	result, err := r.RunWorkflow(ctx, def, RunOptions{})
	require.NoError(t, err, "execution outcomes surface in the result")
	assert.Equal(t, schema.WorkflowStatusFailed, result.Status)
	require.NotNil(t, result.Error)

	exec, err := st.GetExecution(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, exec.Status)
	assert.NotEmpty(t, exec.Error)
}

func TestRunByID(t *testing.T) {
	st := newTestStore(t)
	r := newTestRunner(t, Options{Store: st})
	ctx := context.Background()

	require.NoError(t, st.CreateWorkflow(ctx, &store.WorkflowRecord{
		ID:         "reshape",
		Name:       "reshape",
		Definition: *reshapeDefinition(),
	}))

	result, err := r.RunByID(ctx, "reshape", RunOptions{
		Input: map[string]any{"user": map[string]any{"id": "u-2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, result.Status)
	assert.Equal(t, map[string]any{"userId": "u-2"}, result.Output)
}

func TestRunByID_DefaultsWorkflowIDFromRecord(t *testing.T) {
	st := newTestStore(t)
	r := newTestRunner(t, Options{Store: st})
	ctx := context.Background()

	def := reshapeDefinition()
	def.WorkflowID = ""
	require.NoError(t, st.CreateWorkflow(ctx, &store.WorkflowRecord{
		ID: "from-record", Name: "n", Definition: *def,
	}))

	result, err := r.RunByID(ctx, "from-record", RunOptions{Input: map[string]any{"user": map[string]any{"id": "u"}}})
	require.NoError(t, err)
	assert.Equal(t, "from-record", result.WorkflowID)
	assert.Equal(t, schema.WorkflowStatusCompleted, result.Status)
}

func TestRunByID_UnknownWorkflow(t *testing.T) {
	r := newTestRunner(t, Options{})

	_, err := r.RunByID(context.Background(), "missing", RunOptions{})
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeNotFound, ferr.Code)
}

func TestRunScheduled(t *testing.T) {
	st := newTestStore(t)
	r := newTestRunner(t, Options{Store: st})
	ctx := context.Background()

	require.NoError(t, st.CreateWorkflow(ctx, &store.WorkflowRecord{
		ID: "reshape", Name: "reshape", Definition: *reshapeDefinition(),
	}))

	err := r.RunScheduled(ctx, "reshape", []byte(`{"user":{"id":"u-3"}}`))
	assert.NoError(t, err)

	assert.Error(t, r.RunScheduled(ctx, "missing", nil))
	assert.Error(t, r.RunScheduled(ctx, "reshape", []byte(`{not json`)))
}

func TestRunWorkflow_SecretsResolveInProduction(t *testing.T) {
	st := newTestStore(t)
	vault, err := secrets.NewAESVault(st, secrets.VaultConfig{
		Passphrase: "p", Salt: []byte("s"), KDFRounds: 1000,
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, vault.Store(ctx, "api_key", []byte("sk-99")))

	r := newTestRunner(t, Options{Store: st, Vault: vault})

	def := &schema.WorkflowDefinition{
		WorkflowID: "secretive",
		Nodes: []schema.Node{
			{ID: "t", Type: "transform", Config: json.RawMessage(`{"template":{"key":"{{secrets.api_key}}"}}`)},
		},
	}

	result, err := r.RunWorkflow(ctx, def, RunOptions{Mode: schema.ModeProduction})
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusCompleted, result.Status)
	assert.Equal(t, map[string]any{"key": "sk-99"}, result.Output)

	// Mock modes never see live credentials.
	result, err = r.RunWorkflow(ctx, def, RunOptions{Mode: schema.ModeTest})
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusCompleted, result.Status)
	assert.NotEqual(t, map[string]any{"key": "sk-99"}, result.Output)
}

func TestRunWorkflow_StreamsToHub(t *testing.T) {
	hub := streaming.NewMemoryHub()
	r := newTestRunner(t, Options{Hub: hub})
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{WorkflowID: "reshape"})
	require.NoError(t, err)
	defer cancel()

	result, err := r.RunWorkflow(ctx, reshapeDefinition(), RunOptions{
		Input: map[string]any{"user": map[string]any{"id": "u"}},
	})
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusCompleted, result.Status)

	first := <-ch
	assert.Equal(t, schema.EventWorkflowStarted, first.Event)
	assert.Equal(t, result.ExecutionID, first.ExecutionID)

	var sawCompleted bool
	for len(ch) > 0 {
		if ev := <-ch; ev.Event == schema.EventWorkflowCompleted {
			sawCompleted = true
			assert.Equal(t, 100.0, ev.Percentage)
		}
	}
	assert.True(t, sawCompleted)
}

func TestAllowedEnv(t *testing.T) {
	t.Setenv("FLOWLINE_TEST_REGION", "eu")

	r := newTestRunner(t, Options{EnvAllowlist: []string{"FLOWLINE_TEST_REGION", "FLOWLINE_TEST_UNSET"}})
	env := r.allowedEnv()
	assert.Equal(t, map[string]string{"FLOWLINE_TEST_REGION": "eu"}, env)

	r = newTestRunner(t, Options{})
	assert.Nil(t, r.allowedEnv(), "empty allowlist exposes nothing")
}
