package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const invoiceInput = `{"order":{"id":"o-1","total":42}}`

func decodeData(t *testing.T, out string, data any) {
	t.Helper()
	resp := struct {
		Status string `json:"status"`
		Data   any    `json:"data"`
	}{Data: data}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
}

func nodeByName(t *testing.T, nodes []NodeView, name string) NodeView {
	t.Helper()
	for _, n := range nodes {
		if n.Node == name {
			return n
		}
	}
	t.Fatalf("node %s not found in %v", name, nodes)
	return NodeView{}
}

// startInvoice starts an invoice instance in the store named by args and
// returns the start result.
func startInvoice(t *testing.T, args []string) StartResult {
	t.Helper()
	out, err := execute(t, append([]string{"--format", "json", "start", "invoice",
		"--input", invoiceInput, "--owner", "alice"}, args...)...)
	require.NoError(t, err, out)

	var result StartResult
	decodeData(t, out, &result)
	return result
}

func TestStartDispatchesFirstActivity(t *testing.T) {
	args := storeArgs(t)
	result := startInvoice(t, args)

	assert.Equal(t, "invoice", result.Instance.Model)
	assert.Equal(t, "alice", result.Instance.Owner)
	assert.Equal(t, "running", result.Instance.State)
	assert.NotEmpty(t, result.Instance.UUID)

	start := nodeByName(t, result.Nodes, "start")
	assert.Equal(t, "complete", start.State)
	assert.JSONEq(t, invoiceInput, string(start.Results))

	charge := nodeByName(t, result.Nodes, "charge")
	assert.Equal(t, "sent", charge.State)
	assert.Equal(t, 1, charge.Entry)

	require.Len(t, result.Dispatched, 1)
	assert.Contains(t, result.Dispatched[0], "charge#1 to billing.charge")
}

func TestStartText(t *testing.T) {
	out, err := execute(t, append([]string{"start", "invoice", "--input", invoiceInput}, storeArgs(t)...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Started invoice #")
	assert.Contains(t, out, "(running)")
	assert.Contains(t, out, "sent #")
}

func TestStartErrors(t *testing.T) {
	args := storeArgs(t)

	out, err := execute(t, append([]string{"start", "invoice", "--input", "{not json"}, args...)...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeInput)

	out, err = execute(t, append([]string{"--format", "json", "start", "payroll"}, args...)...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error.Message, "failed to start payroll")
}

func TestStartInputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.json")
	writeFile(t, path, invoiceInput)

	out, err := execute(t, append([]string{"--format", "json", "start", "invoice", "--input-file", path}, storeArgs(t)...)...)
	require.NoError(t, err)

	var result StartResult
	decodeData(t, out, &result)
	assert.JSONEq(t, invoiceInput, string(nodeByName(t, result.Nodes, "start").Results))
}

func TestDeliverCompletesInstance(t *testing.T) {
	args := storeArgs(t)
	started := startInvoice(t, args)
	charge := nodeByName(t, started.Nodes, "charge")

	out, err := execute(t, append([]string{"deliver", charge.Handle, "--results", `{"receipt":"r-1","extra":true}`}, args...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ deliver "+charge.Handle+": charge#1 is complete")
	assert.Contains(t, out, "instance "+started.Instance.Handle+" invoice is complete")

	out, err = execute(t, append([]string{"--format", "json", "inspect", started.Instance.Handle}, args...)...)
	require.NoError(t, err)

	var inspected InspectResult
	decodeData(t, out, &inspected)
	assert.Equal(t, "complete", inspected.Instance.State)
	assert.JSONEq(t, `{"receipt":"r-1"}`, string(inspected.Instance.Results))
	require.Len(t, inspected.Nodes, 3)
	assert.Equal(t, "complete", nodeByName(t, inspected.Nodes, "done").State)
}

func TestAckThenDeliverWithoutPrefix(t *testing.T) {
	args := storeArgs(t)
	started := startInvoice(t, args)
	handle := strings.TrimPrefix(nodeByName(t, started.Nodes, "charge").Handle, "#")

	out, err := execute(t, append([]string{"ack", handle}, args...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "charge#1 is acknowledged")

	out, err = execute(t, append([]string{"deliver", handle, "--results", `{"receipt":"r-2"}`}, args...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "charge#1 is complete")
}

func TestFailThenRetry(t *testing.T) {
	args := storeArgs(t)
	started := startInvoice(t, args)
	charge := nodeByName(t, started.Nodes, "charge")

	out, err := execute(t, append([]string{"fail", charge.Handle, "--code", "GATEWAY", "--cause", "gateway timeout"}, args...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "charge#1 is failed")
	assert.Contains(t, out, "gateway timeout")

	out, err = execute(t, append([]string{"--format", "json", "retry", charge.Handle}, args...)...)
	require.NoError(t, err, out)

	var result OperationResult
	decodeData(t, out, &result)
	assert.Equal(t, "retry", result.Operation)
	require.NotNil(t, result.Node)
	assert.Equal(t, "sent", result.Node.State)
	require.Len(t, result.Dispatched, 1)
	assert.Equal(t, "running", result.Instance.State)
}

func TestFailRequiresCause(t *testing.T) {
	args := storeArgs(t)
	started := startInvoice(t, args)

	_, err := execute(t, append([]string{"fail", nodeByName(t, started.Nodes, "charge").Handle}, args...)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cause")
}

func TestRetryableFailureIsPolled(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "procflow.yaml")
	writeFile(t, cfgPath, `store:
  backend: bolt
  path: `+filepath.Join(dir, "engine.bolt")+`
models: `+filepath.Join("testdata", "models")+`
retry:
  strategy: constant
  initial: 0s
`)
	args := []string{"--config", cfgPath}
	started := startInvoice(t, args)
	charge := nodeByName(t, started.Nodes, "charge")

	out, err := execute(t, append([]string{"fail", charge.Handle, "--cause", "timeout", "--retryable"}, args...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "charge#1 is fail_retry")

	out, err = execute(t, append([]string{"poll"}, args...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Retried 1 node(s)")
	assert.Contains(t, out, "sent "+charge.Handle)

	out, err = execute(t, append([]string{"poll"}, args...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Retried 0 node(s)")
}

func TestSkipAndCancelNode(t *testing.T) {
	args := storeArgs(t)
	started := startInvoice(t, args)
	charge := nodeByName(t, started.Nodes, "charge")

	out, err := execute(t, append([]string{"cancel-node", charge.Handle}, args...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "charge#1 is cancelled")

	_, err = execute(t, append([]string{"skip", charge.Handle}, args...)...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestNodeCommandErrors(t *testing.T) {
	args := storeArgs(t)

	out, err := execute(t, append([]string{"deliver", "charge"}, args...)...)
	require.Error(t, err)
	assert.Contains(t, out, ErrCodeInput)

	out, err = execute(t, append([]string{"ack", "#99"}, args...)...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "acknowledge failed")
}

func TestCancelInstance(t *testing.T) {
	args := storeArgs(t)
	journal := filepath.Join(t.TempDir(), "dispatch.jsonl")
	cfgPath := filepath.Join(t.TempDir(), "procflow.yaml")
	writeFile(t, cfgPath, "dispatch:\n  journal: "+journal+"\n")
	args = append(args, "--config", cfgPath)

	started := startInvoice(t, args)

	out, err := execute(t, append([]string{"cancel", started.Instance.UUID}, args...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ cancel-instance "+started.Instance.Handle)
	assert.Contains(t, out, "invoice is cancelled")
	assert.Contains(t, out, "cancelled "+nodeByName(t, started.Nodes, "charge").Handle)

	data, err := os.ReadFile(journal)
	require.NoError(t, err)
	assert.Contains(t, string(data), "billing.charge")
}

func TestInspectList(t *testing.T) {
	args := storeArgs(t)

	out, err := execute(t, append([]string{"inspect"}, args...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "No running instances.")

	started := startInvoice(t, args)

	out, err = execute(t, append([]string{"inspect", "--state", "running"}, args...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "HANDLE")
	assert.Contains(t, out, started.Instance.UUID)
	assert.Contains(t, out, "alice")

	out, err = execute(t, append([]string{"inspect", started.Instance.Handle}, args...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Instance "+started.Instance.Handle+"  invoice  running  owner=alice")
	assert.Contains(t, out, "charge")

	_, err = execute(t, append([]string{"inspect", "--state", "paused"}, args...)...)
	require.Error(t, err)

	_, err = execute(t, append([]string{"inspect", "#42"}, args...)...)
	require.Error(t, err)
}
