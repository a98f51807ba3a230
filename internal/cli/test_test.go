package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runTestCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// copyScenarios copies the scenario fixtures and their models into a
// temporary tree so golden files can be rewritten.
func copyScenarios(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, rel := range []string{
		"models/invoice.cue",
		"scenarios/invoice_retry.yaml",
		"scenarios/invoice_manual.yaml",
		"scenarios/golden/invoice_retry.golden",
	} {
		data, err := os.ReadFile(filepath.Join("testdata", rel))
		require.NoError(t, err)
		writeFile(t, filepath.Join(root, rel), string(data))
	}
	return filepath.Join(root, "scenarios")
}

func TestTestPassingScenarios(t *testing.T) {
	out, err := runTestCmd(t, "text", filepath.Join("testdata", "scenarios"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ invoice_retry")
	assert.Contains(t, out, "✓ invoice_manual")
	assert.Contains(t, out, "2 passed, 0 failed, 2 total")
}

func TestTestGoldenMatchJSON(t *testing.T) {
	out, err := runTestCmd(t, "json", filepath.Join("testdata", "scenarios"), "--filter", "invoice_retry*")
	require.NoError(t, err, out)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "invoice_retry", resp.Data.Scenarios[0].Name)
	assert.Equal(t, "match", resp.Data.Scenarios[0].Golden)
	assert.Equal(t, 1, resp.Data.Passed)
}

func TestTestFailingScenario(t *testing.T) {
	out, err := runTestCmd(t, "text", filepath.Join("testdata", "failing", "invoice_wrong.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ invoice_wrong")
	assert.Contains(t, out, "0 passed, 1 failed, 1 total")
}

func TestTestFailingScenarioJSON(t *testing.T) {
	out, err := runTestCmd(t, "json", filepath.Join("testdata", "failing"))
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
}

func TestTestGoldenMismatchAndUpdate(t *testing.T) {
	dir := copyScenarios(t)
	golden := filepath.Join(dir, "golden", "invoice_retry.golden")
	writeFile(t, golden, `{"scenario":"invoice_retry","trace":[]}`)

	out, err := runTestCmd(t, "text", filepath.Join(dir, "invoice_retry.yaml"))
	require.Error(t, err)
	assert.Contains(t, out, "golden file mismatch")

	out, err = runTestCmd(t, "text", filepath.Join(dir, "invoice_retry.yaml"), "--update")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ invoice_retry (golden updated)")

	want, err := os.ReadFile(filepath.Join("testdata", "scenarios", "golden", "invoice_retry.golden"))
	require.NoError(t, err)
	got, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Equal(t, string(bytes.TrimSpace(want)), string(got))

	out, err = runTestCmd(t, "text", filepath.Join(dir, "invoice_retry.yaml"))
	require.NoError(t, err, out)
}

func TestTestUpdateCreatesGoldenDir(t *testing.T) {
	dir := copyScenarios(t)
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "golden")))

	_, err := runTestCmd(t, "text", filepath.Join(dir, "invoice_manual.yaml"), "--update")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "golden", "invoice_manual.golden"))
}

func TestTestMissingPath(t *testing.T) {
	out, err := runTestCmd(t, "text", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "scenario path not found")
}

func TestTestEmptyDirectory(t *testing.T) {
	out, err := runTestCmd(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("scenarios", "golden", "invoice_retry.golden"),
		goldenFilePath(filepath.Join("scenarios", "invoice_retry.yaml")))
}
