package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_InvoiceRetry(t *testing.T) {
	// Regenerate with: go test ./internal/harness -run TestRunWithGolden -update
	result, err := RunWithGolden(t, loadExample(t, "invoice_retry"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestSnapshot_OmitsEmptyFields(t *testing.T) {
	result := NewResult()
	result.Add(TraceEvent{Type: EventNode, Node: "start", Entry: 1, State: "complete"})
	result.Add(TraceEvent{Type: EventInstance, State: "running"})

	data, err := Snapshot("tiny", result)
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario":"tiny","trace":[{"entry":1,"node":"start","state":"complete","type":"node"},{"state":"running","type":"instance"}]}`,
		string(data))
}
