package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// ValidationResult is what validate reports, in either output format.
type ValidationResult struct {
	Valid  bool      `json:"valid"`
	Models []string  `json:"models,omitempty"`
	Errors []Problem `json:"errors,omitempty"`
}

// Problem is one validation finding.
type Problem struct {
	Code    string `json:"code"`
	Model   string `json:"model,omitempty"`
	Node    string `json:"node,omitempty"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// NewValidateCommand checks model files without touching a store.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [models-dir]",
		Short: "Compile and validate CUE process models",
		Long: `Compile every process model in a directory and report all problems.

Checks the CUE syntax, the process definition schema and the graph rules
(one start node, reachable ends, acyclic predecessors, resolvable defines,
fan bounds). The directory defaults to the configured models directory.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := rootOpts.config().Models
			if len(args) == 1 {
				dir = args[0]
			}
			return runValidate(rootOpts, dir, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	loaded, loadErrs := LoadModels(dir, LoadModeCollectAll)
	if loaded == nil {
		var loadErr *LoadError
		if errors.As(loadErrs[0], &loadErr) {
			return formatter.Fail(ExitCommandError, loadErr.Code, loadErr.Message, nil)
		}
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, loadErrs[0].Error(), nil)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loaded.FileCount, dir)

	var names []string
	for _, m := range loaded.Models {
		formatter.VerboseLog("Compiled process: %s", m.Name())
		names = append(names, m.Name())
	}

	problems := toProblems(loadErrs)
	if len(problems) == 0 {
		if _, err := loaded.Registry(); err != nil {
			problems = append(problems, Problem{Code: ErrCodeDuplicate, Message: err.Error()})
		}
	}
	if len(problems) > 0 {
		return outputValidationErrors(formatter, names, problems)
	}

	if formatter.JSON() {
		return formatter.Success(ValidationResult{Valid: true, Models: names})
	}
	fmt.Fprintf(formatter.Writer, "✓ %d model(s) valid: %s\n", len(names), strings.Join(names, ", "))
	return nil
}

func toProblems(errs []error) []Problem {
	problems := make([]Problem, 0, len(errs))
	for _, err := range errs {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			problems = append(problems, Problem{
				Code:    loadErr.Code,
				Model:   loadErr.Model,
				Node:    loadErr.Node,
				Message: loadErr.Message,
				Line:    loadErr.Line(),
			})
			continue
		}
		problems = append(problems, Problem{Code: ErrCodeGeneric, Message: err.Error()})
	}
	return problems
}

// outputValidationErrors reports problems. Invalid models are a validation
// failure (exit 1), not a command error.
func outputValidationErrors(formatter *OutputFormatter, names []string, problems []Problem) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(problems)))

	if formatter.JSON() {
		enc := json.NewEncoder(formatter.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Models: names, Errors: problems},
			Error:  &CLIError{Code: problems[0].Code, Message: problems[0].Message},
		}); err != nil {
			return err
		}
		return exitErr
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, p := range problems {
		where := p.Model
		if p.Node != "" {
			where += "." + p.Node
		}
		if p.Line > 0 {
			where = fmt.Sprintf("%s (line %d)", where, p.Line)
		}
		if where != "" {
			fmt.Fprintln(formatter.Writer, where)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", p.Code, p.Message)
	}
	return exitErr
}
