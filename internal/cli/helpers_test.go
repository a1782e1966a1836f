package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const seedBatch = `accounts: {a: 100, b: 50, c: 0}
transactions:
  - {id: t1, ops: [{op: transfer, from: a, to: b, amount: 10}]}
  - {id: t2, ops: [{op: set, key: c, value: 7}]}
`

const conflictBatch = `transactions:
  - id: t1
    reads: [x]
    writes: [y]
    ops: [{op: copy, from: x, to: y}]
  - {id: t2, ops: [{op: set, key: x, value: 5}]}
  - {id: t3, ops: [{op: set, key: y, value: 7}]}
`

const cycleBatch = `transactions:
  - {id: t1, after: [t2], ops: [{op: add, key: a, amount: 1}]}
  - {id: t2, ops: [{op: add, key: a, amount: 2}]}
`

const failingBatch = `transactions:
  - {id: t1, ops: [{op: transfer, from: a, to: z, amount: 500}]}
  - {id: t2, ops: [{op: set, key: c, value: 1}]}
`

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// decode parses a JSON CLIResponse and decodes its data into data.
func decode(t *testing.T, out string, data any) CLIResponse {
	t.Helper()
	var raw struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &raw), "output: %s", out)
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return CLIResponse{Status: raw.Status, Error: raw.Error}
}

// seeded returns a data directory holding the committed seed batch.
func seeded(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	batch := writeFile(t, dir, "seed.yaml", seedBatch)
	_, err := execute(t, "submit", "--seed", "--data-dir", filepath.Join(dir, "data"), batch)
	require.NoError(t, err)
	return filepath.Join(dir, "data")
}
