package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/synchrony/internal/config"
	"github.com/roach88/synchrony/internal/engine"
	"github.com/roach88/synchrony/internal/ir"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	ConfigPath string
	DataDir    string
	LedgerPath string
	Workers    int
	Verify     string
	LogLevel   string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the synchrony CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "synchrony",
		Short: "Synchrony - deterministic parallel batch execution",
		Long: `Synchrony executes batches of transactions in parallel without changing
their result: conflicting transactions keep their submission order, the
parallel outcome is checked against a sequential replay, and every commit
is made durable through a write-ahead log and an atomic state file swap.`,
		Version:       ir.EngineVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	pf.StringVar(&opts.DataDir, "data-dir", "", "directory holding the WAL and state file")
	pf.StringVar(&opts.LedgerPath, "ledger", "", `SQLite ledger path ("none" disables it)`)
	pf.IntVar(&opts.Workers, "workers", 0, "executor pool size (0 = number of CPUs)")
	pf.StringVar(&opts.Verify, "verify", "", "linearizability check (audit|strict|off)")
	pf.StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewPlanCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewRootHashCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// loadConfig reads the config file (or the defaults) and applies the flags
// the user set explicitly.
func (o *RootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(o.ConfigPath); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = o.DataDir
	}
	if flags.Changed("ledger") {
		cfg.LedgerPath = o.LedgerPath
	}
	if flags.Changed("workers") {
		cfg.Workers = o.Workers
	}
	if flags.Changed("verify") {
		cfg.Verify.Mode = o.Verify
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.LogLevel
	} else if o.Verbose {
		cfg.Log.Level = "debug"
	}
	if o.Format == "json" {
		cfg.Log.Format = "json"
	}

	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// verifyMode parses the configured mode. cfg has been validated.
func verifyMode(cfg *config.Config) engine.VerifyMode {
	m, _ := engine.ParseVerifyMode(cfg.Verify.Mode)
	return m
}
