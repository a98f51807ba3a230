package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/procflow/internal/dispatch"
	"github.com/roach88/procflow/internal/instance"
)

// Scenario drives one process instance through a scripted run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Models lists CUE files declaring process models. Relative paths are
	// resolved against the scenario file's directory.
	Models []string `yaml:"models"`

	// Model is the ref of the model to start.
	Model string `yaml:"model"`

	// Owner starts the instance. Defaults to "scenario".
	Owner string `yaml:"owner,omitempty"`

	// Input is the start node's input.
	Input map[string]any `yaml:"input,omitempty"`

	// Dispatch scripts replies per model node id, consumed in order. Once a
	// node's script runs out, sends are answered with "sent".
	Dispatch map[string][]ReplySpec `yaml:"dispatch,omitempty"`

	// Deny lists endpoints the authorizer refuses.
	Deny []string `yaml:"deny,omitempty"`

	// MaxAttempts overrides how many failed sends escalate a node to failed.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// RetryInterval is the constant delay before a failed send is due for
	// retry. Defaults to one minute.
	RetryInterval string `yaml:"retry_interval,omitempty"`

	// Steps run in order after the instance starts.
	Steps []Step `yaml:"steps,omitempty"`

	// Assertions validate the final state of the run.
	Assertions []Assertion `yaml:"assertions"`
}

// ReplySpec is one scripted dispatch reply.
type ReplySpec struct {
	// Status is sent, acknowledged or failed.
	Status string `yaml:"status"`

	// Results are returned with an acknowledged reply.
	Results map[string]any `yaml:"results,omitempty"`

	// Error is the failure message of a failed reply.
	Error string `yaml:"error,omitempty"`
}

// Step is one operator action. Exactly one action field must be set.
//
// Node references are model node ids, optionally qualified by composite
// path ("bill/charge") and entry number ("charge#2"). Without an entry
// number the latest occurrence is used.
type Step struct {
	Deliver     string `yaml:"deliver,omitempty"`
	Acknowledge string `yaml:"acknowledge,omitempty"`
	Fail        string `yaml:"fail,omitempty"`
	Retry       string `yaml:"retry,omitempty"`
	Skip        string `yaml:"skip,omitempty"`
	CancelNode  string `yaml:"cancel_node,omitempty"`
	Cancel      bool   `yaml:"cancel,omitempty"` // cancel the instance
	Clock       string `yaml:"clock,omitempty"`  // advance the clock by a duration
	Poll        bool   `yaml:"poll,omitempty"`   // run the retry poller once

	// Results are delivered with a deliver step.
	Results map[string]any `yaml:"results,omitempty"`

	// Code, Message and Retryable describe the cause of a fail step.
	Code      string `yaml:"code,omitempty"`
	Message   string `yaml:"message,omitempty"`
	Retryable bool   `yaml:"retryable,omitempty"`

	// ExpectError is the runtime error code the step must return. Without
	// it any step error aborts the scenario.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// action returns the name of the single action the step performs.
func (s Step) action() (string, error) {
	var set []string
	for name, on := range map[string]bool{
		"deliver":     s.Deliver != "",
		"acknowledge": s.Acknowledge != "",
		"fail":        s.Fail != "",
		"retry":       s.Retry != "",
		"skip":        s.Skip != "",
		"cancel_node": s.CancelNode != "",
		"cancel":      s.Cancel,
		"clock":       s.Clock != "",
		"poll":        s.Poll,
	} {
		if on {
			set = append(set, name)
		}
	}
	switch len(set) {
	case 1:
		return set[0], nil
	case 0:
		return "", fmt.Errorf("no action given")
	}
	slices.Sort(set)
	return "", fmt.Errorf("more than one action given: %s", strings.Join(set, ", "))
}

// Assertion validates the final state of a run.
type Assertion struct {
	// Type specifies the assertion type:
	// - "node_state": the referenced node instance is in State
	// - "node_count": Node has exactly Count occurrences
	// - "failure": the referenced node instance failed with Code
	// - "results": Results is a subset of the node's (or, without Node,
	//   the instance's) results
	// - "instance_state": the instance is in State
	// - "dispatch_count": exactly Count messages went to Node
	// - "dispatch_order": the first sends to Nodes happened in that order
	Type string `yaml:"type"`

	Node    string         `yaml:"node,omitempty"`
	Nodes   []string       `yaml:"nodes,omitempty"`
	State   string         `yaml:"state,omitempty"`
	Code    string         `yaml:"code,omitempty"`
	Count   int            `yaml:"count,omitempty"`
	Results map[string]any `yaml:"results,omitempty"`
}

// Assertion type constants.
const (
	AssertNodeState     = "node_state"
	AssertNodeCount     = "node_count"
	AssertFailure       = "failure"
	AssertResults       = "results"
	AssertInstanceState = "instance_state"
	AssertDispatchCount = "dispatch_count"
	AssertDispatchOrder = "dispatch_order"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so that typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	for i, p := range s.Models {
		if !filepath.IsAbs(p) {
			s.Models[i] = filepath.Join(base, p)
		}
	}
	for _, p := range s.Models {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return nil, fmt.Errorf("invalid scenario: model file not found: %s", p)
		}
	}
	return s, nil
}

// ParseScenario parses scenario YAML without touching the file system.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// FindScenarios returns the .yaml and .yml files under dir, optionally
// filtered by a glob on the file name without extension.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Models) == 0 {
		return fmt.Errorf("models list is required and must be non-empty")
	}
	if s.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be non-negative")
	}
	if s.RetryInterval != "" {
		if _, err := time.ParseDuration(s.RetryInterval); err != nil {
			return fmt.Errorf("retry_interval: %w", err)
		}
	}

	for node, replies := range s.Dispatch {
		for i, r := range replies {
			if err := validateReply(r); err != nil {
				return fmt.Errorf("dispatch.%s[%d]: %w", node, i, err)
			}
		}
	}

	for i, step := range s.Steps {
		action, err := step.action()
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if action == "clock" {
			if _, err := time.ParseDuration(step.Clock); err != nil {
				return fmt.Errorf("steps[%d].clock: %w", i, err)
			}
		}
		if action == "fail" && step.Code == "" {
			return fmt.Errorf("steps[%d]: code is required for fail", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateReply(r ReplySpec) error {
	switch dispatch.Status(r.Status) {
	case dispatch.StatusSent, dispatch.StatusAcknowledged:
		if r.Error != "" {
			return fmt.Errorf("error is only valid for failed replies")
		}
	case dispatch.StatusFailed:
		if r.Error == "" {
			return fmt.Errorf("error is required for failed replies")
		}
		if r.Results != nil {
			return fmt.Errorf("results are not valid for failed replies")
		}
	default:
		return fmt.Errorf("unknown status %q", r.Status)
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertNodeState:
		if a.Node == "" {
			return fmt.Errorf("assertions[%d]: node is required for node_state", index)
		}
		if _, err := instance.ParseState(a.State); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertNodeCount, AssertDispatchCount:
		if a.Node == "" {
			return fmt.Errorf("assertions[%d]: node is required for %s", index, a.Type)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertFailure:
		if a.Node == "" || a.Code == "" {
			return fmt.Errorf("assertions[%d]: node and code are required for failure", index)
		}
	case AssertResults:
		if len(a.Results) == 0 {
			return fmt.Errorf("assertions[%d]: results are required for results", index)
		}
	case AssertInstanceState:
		if _, err := instance.ParseProcessState(a.State); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertDispatchOrder:
		if len(a.Nodes) == 0 {
			return fmt.Errorf("assertions[%d]: nodes list is required for dispatch_order", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
