package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/procflow/internal/ir"
	"github.com/roach88/procflow/internal/model"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompiledModel summarizes one compiled process model.
type CompiledModel struct {
	Name       string          `json:"name"`
	Hash       string          `json:"hash"`
	Nodes      int             `json:"nodes"`
	Activities int             `json:"activities"`
	Composites int             `json:"composites"`
	Definition json.RawMessage `json:"definition"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile [models-dir]",
		Short: "Compile CUE process models to canonical JSON",
		Long: `Compile CUE process models and print their canonical form.

The canonical form is what a model's content hash is computed over; two
instances started from models with the same hash ran the same graph.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := rootOpts.config().Models
			if len(args) == 1 {
				dir = args[0]
			}
			return runCompile(opts, dir, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write canonical JSON of all models to this file")

	return cmd
}

func runCompile(opts *CompileOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	loaded, loadErrs := LoadModels(dir, LoadModeCollectAll)
	if loaded == nil {
		var loadErr *LoadError
		if errors.As(loadErrs[0], &loadErr) {
			return formatter.Fail(ExitCommandError, loadErr.Code, loadErr.Message, nil)
		}
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, loadErrs[0].Error(), nil)
	}
	if len(loadErrs) > 0 {
		return outputValidationErrors(formatter, nil, toProblems(loadErrs))
	}

	compiled := make([]CompiledModel, 0, len(loaded.Models))
	all := make(ir.Array, 0, len(loaded.Models))
	for _, m := range loaded.Models {
		formatter.VerboseLog("Compiled process: %s", m.Name())
		c, err := summarize(m)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, "failed to render "+m.Name(), err)
		}
		compiled = append(compiled, c)
		all = append(all, m.Describe())
	}

	if opts.Output != "" {
		data, err := ir.MarshalCanonical(ir.Object{"models": all})
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, "failed to render models", err)
		}
		if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeWriteFailed, "writing output file", err)
		}
	}

	if formatter.JSON() {
		return formatter.Success(compiled)
	}

	fmt.Fprintf(formatter.Writer, "✓ Compiled %d model(s)\n\n", len(compiled))
	for _, c := range compiled {
		fmt.Fprintf(formatter.Writer, "  %s  %s  nodes=%d activities=%d composites=%d\n",
			c.Name, shortHash(c.Hash), c.Nodes, c.Activities, c.Composites)
	}
	if opts.Output != "" {
		fmt.Fprintf(formatter.Writer, "\nWrote %s\n", opts.Output)
	}
	return nil
}

func summarize(m *model.ProcessModel) (CompiledModel, error) {
	def, err := ir.MarshalCanonical(m.Describe())
	if err != nil {
		return CompiledModel{}, err
	}
	c := CompiledModel{Name: m.Name(), Hash: m.Hash(), Definition: def}
	for _, n := range m.Nodes() {
		c.Nodes++
		switch n.Kind {
		case model.KindActivity:
			c.Activities++
		case model.KindComposite:
			c.Composites++
		}
	}
	return c, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
