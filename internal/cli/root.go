package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/roach88/procflow/internal/dispatch"
	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	LogFormat string // "text" | "json"
	Config    string
	DB        string
	Store     string
	Models    string

	cfg    *Config
	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the procflow CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "procflow",
		Short: "procflow - persistent business process engine",
		Long: `procflow executes CUE-defined process models against a persistent store.

Activities are dispatched to remote endpoints; their completions, failures
and operator interventions are fed back through the node commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVar(&opts.LogFormat, "log-format", "text", "log format on stderr (json|text)")
	flags.StringVar(&opts.Config, "config", "", "engine config file (YAML)")
	flags.StringVar(&opts.DB, "db", "", "store path (overrides config)")
	flags.StringVar(&opts.Store, "store", "", "store backend: sqlite, bolt or memory (overrides config)")
	flags.StringVar(&opts.Models, "models", "", "directory of CUE process models (overrides config)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewStartCommand(opts))
	for _, c := range NewNodeCommands(opts) {
		cmd.AddCommand(c)
	}
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewPollCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// setup validates global flags, loads the config file and installs the
// default logger.
func (o *RootOptions) setup(cmd *cobra.Command) error {
	if !slices.Contains(ValidFormats, o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}
	if !slices.Contains(ValidFormats, o.LogFormat) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid log format %q: must be one of %v", o.LogFormat, ValidFormats))
	}

	cfg := DefaultConfig()
	if o.Config != "" {
		loaded, err := LoadConfig(o.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}
	if o.DB != "" {
		cfg.Store.Path = o.DB
	}
	if o.Store != "" {
		cfg.Store.Backend = o.Store
	}
	if o.Models != "" {
		cfg.Models = o.Models
	}
	o.cfg = cfg

	o.logger = newLogger(cmd.ErrOrStderr(), o.LogFormat, o.Verbose)
	slog.SetDefault(o.logger)
	return nil
}

// config returns the effective configuration. Commands constructed without
// the root command (tests) fall back to defaults.
func (o *RootOptions) config() *Config {
	if o.cfg == nil {
		o.cfg = DefaultConfig()
	}
	return o.cfg
}

func (o *RootOptions) log() *slog.Logger {
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o.logger
}

func newLogger(w io.Writer, format string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// runtime is an engine over an open store plus the dispatcher feeding the
// message journal.
type runtime struct {
	engine  *engine.Engine
	store   store.Store
	log     *dispatch.Log
	journal *os.File
}

// openRuntime compiles the configured models, opens the store and builds
// an engine whose messages are journaled.
func (o *RootOptions) openRuntime() (*runtime, error) {
	cfg := o.config()

	loaded, errs := LoadModels(cfg.Models, LoadModeFailFast)
	if len(errs) > 0 {
		return nil, WrapExitError(ExitCommandError, "failed to load models", errs[0])
	}
	registry, err := loaded.Registry()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to register models", err)
	}

	strategy, err := cfg.RetryStrategy()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid retry policy", err)
	}

	rt := &runtime{}
	var journal io.Writer
	if cfg.Dispatch.Journal != "" {
		f, err := os.OpenFile(cfg.Dispatch.Journal, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open dispatch journal", err)
		}
		rt.journal = f
		journal = f
	}
	rt.log = dispatch.NewLog(journal, o.log())

	var d dispatch.Dispatcher = rt.log
	if cfg.Dispatch.Rate > 0 {
		d = dispatch.NewLimited(rt.log, cfg.Dispatch.Rate, cfg.Dispatch.Burst)
	}

	o.log().Debug("opening store", "backend", cfg.Store.Backend, "path", cfg.Store.Path)
	st, err := store.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		_ = rt.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	rt.store = st

	rt.engine = engine.New(st, registry,
		engine.WithDispatcher(d),
		engine.WithLogger(o.log()),
		engine.WithRetryBackoff(strategy),
		engine.WithMaxDispatchAttempts(cfg.Retry.MaxAttempts),
	)
	return rt, nil
}

func (r *runtime) Close() error {
	var err error
	if r.store != nil {
		err = multierr.Append(err, r.store.Close())
	}
	if r.journal != nil {
		err = multierr.Append(err, r.journal.Close())
	}
	return err
}
