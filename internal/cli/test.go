package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/procflow/internal/harness"
)

type TestOptions struct {
	*RootOptions
	Update bool
	Filter string
}

// ScenarioResult is the outcome of one scenario file. Golden is "match",
// "updated", "mismatch" or empty when the scenario has no golden file.
type ScenarioResult struct {
	Name   string   `json:"name"`
	File   string   `json:"file"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

func NewTestCommand(root *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "test <scenario-file-or-dir>...",
		Short: "Run scenario files against an in-memory engine",
		Long: `Run scenario files with the scenario harness.

Each scenario starts one instance on a fresh in-memory store with a
scripted dispatcher and a manual clock, applies its steps and checks its
assertions. When golden/<scenario>.golden exists next to a scenario file,
the trace must also match it byte for byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  procflow test ./scenarios
  procflow test ./scenarios --filter "invoice_*"
  procflow test ./scenarios/invoice_retry.yaml --update`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args, cmd)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.Update, "update", false, "rewrite golden traces instead of comparing them")
	flags.StringVar(&opts.Filter, "filter", "", "only run scenario files whose name matches this glob")

	return cmd
}

func runTests(opts *TestOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeNotFound, "scenario path not found: "+p, nil)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		found, err := harness.FindScenarios(p, opts.Filter)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeScanError, "failed to find scenarios", err)
		}
		files = append(files, found...)
	}

	result := TestResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	if len(files) == 0 && !formatter.JSON() {
		fmt.Fprintln(formatter.Writer, "No scenarios found.")
		return nil
	}
	for _, file := range files {
		sr := runScenario(opts, file)
		if !formatter.JSON() {
			printScenario(formatter, sr)
		}
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}
	return reportTests(formatter, result)
}

// runScenario loads, runs and golden-checks one scenario file.
func runScenario(opts *TestOptions, file string) ScenarioResult {
	sr := ScenarioResult{Name: scenarioName(file), File: file}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return sr
	}
	sr.Name = scenario.Name

	run, err := harness.Run(scenario)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("run %s: %v", scenario.Name, err)}
		return sr
	}
	sr.Pass, sr.Errors = run.Pass, run.Errors

	snapshot, err := harness.Snapshot(scenario.Name, run)
	if err != nil {
		sr.Pass = false
		sr.Errors = append(sr.Errors, fmt.Sprintf("failed to render trace: %v", err))
		return sr
	}

	golden := goldenFilePath(file)
	if opts.Update {
		if err := writeGolden(golden, snapshot); err != nil {
			sr.Pass = false
			sr.Errors = append(sr.Errors, err.Error())
			return sr
		}
		sr.Golden = "updated"
		return sr
	}

	want, err := os.ReadFile(golden)
	if os.IsNotExist(err) {
		return sr
	}
	if err != nil {
		sr.Pass = false
		sr.Errors = append(sr.Errors, fmt.Sprintf("failed to read golden file: %v", err))
		return sr
	}
	if bytes.Equal(bytes.TrimSpace(want), snapshot) {
		sr.Golden = "match"
		return sr
	}
	sr.Pass = false
	sr.Golden = "mismatch"
	sr.Errors = append(sr.Errors, "golden file mismatch (run with --update to regenerate)")
	return sr
}

// goldenFilePath returns golden/<name>.golden next to the scenario file.
func goldenFilePath(scenarioFile string) string {
	return filepath.Join(filepath.Dir(scenarioFile), "golden", scenarioName(scenarioFile)+".golden")
}

func scenarioName(file string) string {
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func writeGolden(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("golden dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func printScenario(formatter *OutputFormatter, sr ScenarioResult) {
	w := formatter.Writer
	if sr.Pass {
		if sr.Golden == "updated" {
			fmt.Fprintf(w, "✓ %s (golden updated)\n", sr.Name)
			return
		}
		fmt.Fprintf(w, "✓ %s\n", sr.Name)
		return
	}
	fmt.Fprintf(w, "✗ %s\n", sr.Name)
	for _, e := range sr.Errors {
		fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(e, "\n", "\n  "))
	}
}

// reportTests prints the run summary and turns any failure into
// ExitFailure. JSON output is indented, unlike the other commands.
func reportTests(formatter *OutputFormatter, result TestResult) error {
	var failed error
	if result.Failed > 0 {
		failed = NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}

	if !formatter.JSON() {
		fmt.Fprintf(formatter.Writer, "\n%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
		return failed
	}

	resp := CLIResponse{Status: "ok", Data: result}
	if failed != nil {
		resp.Status = "error"
		resp.Error = &CLIError{Code: "E_TEST_FAILED", Message: failed.Error()}
	}
	enc := json.NewEncoder(formatter.Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	return failed
}
