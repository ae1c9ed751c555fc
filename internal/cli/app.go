package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/exposurelog/internal/butler"
	"github.com/lsst-sqre/exposurelog/internal/config"
	"github.com/lsst-sqre/exposurelog/internal/logbook"
	"github.com/lsst-sqre/exposurelog/internal/metrics"
	"github.com/lsst-sqre/exposurelog/internal/store"
)

// app is the service stack a command runs against.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	store      *store.Store
	correlator *butler.Correlator
	svc        *logbook.Service
	metrics    *metrics.Metrics
}

func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(config.Options{File: opts.ConfigFile, EnvFile: opts.EnvFile})
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return cfg, nil
}

// openApp loads the configuration and builds the stack. withMetrics
// attaches a Prometheus registry to the correlator and the service.
func openApp(opts *RootOptions, cmd *cobra.Command, withMetrics bool) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(opts, cmd.ErrOrStderr(), cfg.LogLevel)

	a := &app{cfg: cfg, logger: logger}
	if withMetrics {
		a.metrics = metrics.New()
	}

	regs, err := cfg.OpenRegistries()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open butler registries", err)
	}
	copts := []butler.Option{butler.WithLogger(logger)}
	sopts := []logbook.Option{logbook.WithLogger(logger)}
	if a.metrics != nil {
		copts = append(copts, butler.WithObserver(a.metrics))
		sopts = append(sopts, logbook.WithWriteObserver(a.metrics))
	}
	a.correlator = butler.NewCorrelator(regs, cfg.CorrelatorConfig(), copts...)

	logger.Debug("opening database", "path", cfg.DBPath)
	a.store, err = store.Open(cfg.DBPath, store.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	a.svc = logbook.New(cfg.SiteID, a.store, a.correlator, sopts...)
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// describe is a one-line summary used by verbose output.
func (a *app) describe() string {
	return fmt.Sprintf("site %s, db %s, sites %v", a.cfg.SiteID, a.cfg.DBPath, a.cfg.SiteNames())
}
