package cli

import (
	"context"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/roach88/synchrony/internal/commit"
	"github.com/roach88/synchrony/internal/config"
	"github.com/roach88/synchrony/internal/engine"
	"github.com/roach88/synchrony/internal/logging"
	"github.com/roach88/synchrony/internal/metrics"
	"github.com/roach88/synchrony/internal/store"
)

// session is everything a command needs to talk to a data directory: the
// recovered commit manager, the engine on top of it and the optional ledger.
type session struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *prometheus.Registry
	ledger   *store.Store
	manager  *commit.Manager
	engine   *engine.Engine
	recovery *commit.RecoveryReport
}

// openSession loads the configuration and opens the data directory.
// Recovery runs as part of opening.
func openSession(opts *RootOptions, cmd *cobra.Command) (*session, error) {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid log settings", err)
	}

	s := &session{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
	}
	collector := metrics.NewPipelineCollector(s.registry, cfg.Metrics.Namespace)

	managerOpts := []commit.Option{
		commit.WithLogger(log),
		commit.WithMetrics(collector),
	}
	if path := cfg.Ledger(); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create ledger directory", err)
		}
		ledger, err := store.Open(path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
		}
		s.ledger = ledger
		managerOpts = append(managerOpts, commit.WithLedger(ledger))
	}

	manager, report, err := commit.Open(cfg.DataDir, managerOpts...)
	s.recovery = report
	if err != nil {
		s.Close()
		if commit.IsIntegrityPanic(err) {
			return nil, err
		}
		return nil, WrapExitError(ExitCommandError, "failed to open data directory", err)
	}
	s.manager = manager
	s.engine = engine.New(manager,
		engine.WithWorkers(cfg.Workers),
		engine.WithVerifyMode(verifyMode(cfg)),
		engine.WithLogger(log),
		engine.WithMetrics(collector),
	)

	log.Debug().
		Str("data_dir", cfg.DataDir).
		Int64("seq", manager.Seq()).
		Str("root", manager.Root().Short()).
		Msg("session opened")
	return s, nil
}

// Close writes the metrics textfile, if configured, and releases the
// manager and the ledger.
func (s *session) Close() error {
	var result *multierror.Error
	if s.cfg.Metrics.Textfile != "" {
		if err := prometheus.WriteToTextfile(s.cfg.Metrics.Textfile, s.registry); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.manager != nil {
		if err := s.manager.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// closeInto closes s and folds a close failure into *errp.
func (s *session) closeInto(errp *error) {
	if err := s.Close(); err != nil && *errp == nil {
		*errp = WrapExitError(ExitCommandError, "failed to close session", err)
	}
}

// requireLedger fails when the ledger was disabled.
func (s *session) requireLedger() (*store.Store, error) {
	if s.ledger == nil {
		return nil, NewExitError(ExitCommandError, "ledger is disabled (ledger_path: none)")
	}
	return s.ledger, nil
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
