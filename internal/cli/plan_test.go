package cli

import (
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanText(t *testing.T) {
	dir := t.TempDir()
	batch := writeFile(t, dir, "batch.yaml", conflictBatch)

	out, err := execute(t, "plan", batch)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "plan-conflicts", []byte(out))
}

func TestPlanJSON(t *testing.T) {
	dir := t.TempDir()
	batch := writeFile(t, dir, "batch.yaml", seedBatch)

	out, err := execute(t, "plan", "--format", "json", batch)
	require.NoError(t, err)

	var res PlanResult
	decode(t, out, &res)
	assert.Equal(t, 2, res.Transactions)
	assert.Equal(t, [][]string{{"t1", "t2"}}, res.Levels)
	assert.Equal(t, 2, res.Width)
	assert.Empty(t, res.Conflicts)
	assert.Zero(t, res.Edges)
}

func TestPlanDoesNotTouchDataDir(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	batch := writeFile(t, dir, "batch.yaml", conflictBatch)

	_, err := execute(t, "plan", "--data-dir", data, batch)
	require.NoError(t, err)
	assert.NoDirExists(t, data)
}

func TestPlanCycle(t *testing.T) {
	batch := writeFile(t, t.TempDir(), "cycle.yaml", cycleBatch)

	out, err := execute(t, "plan", "--format", "json", batch)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decode(t, out, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeCycle, resp.Error.Code)
	details, ok := resp.Error.Details.(map[string]any)
	require.True(t, ok, "details: %#v", resp.Error.Details)
	assert.Equal(t, []any{"WAW(t1, t2, a)"}, details["conflicts"])
	assert.ElementsMatch(t, []any{"t1", "t2"}, details["cycle"])
}
