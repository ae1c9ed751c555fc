package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/exposurelog/internal/api"
)

// ShutdownTimeout bounds how long serve waits for in-flight requests.
const ShutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string

	// Ready, if set, receives the bound address once the server listens.
	Ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Long: `Run the exposure log HTTP service.

The service listens on the configured address (EXPOSURELOG_ADDR, default
:8080) and serves the API under /exposurelog, plus /healthz and /metrics.
A background job sweeps expired negative registry lookups on the
configured cron schedule. SIGINT or SIGTERM shut the server down
gracefully.

Example:
  exposurelog serve --config exposurelog.yaml
  SITE_ID=summit BUTLER_URI_1=https://butler.example.org/repo exposurelog serve --listen :9000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides configuration)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	listen := a.cfg.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           api.NewServer(a.svc, a.metrics, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepErr := make(chan error, 1)
	go func() { sweepErr <- a.correlator.RunSweeper(ctx) }()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	a.logger.Info("exposurelog listening", "addr", ln.Addr().String(), "site_id", a.cfg.SiteID)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", ln.Addr())
	if opts.Ready != nil {
		opts.Ready <- ln.Addr().String()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-serveErr:
		stop()
		return WrapExitError(ExitFailure, "server error", err)
	case err := <-sweepErr:
		if err != nil {
			_ = srv.Close()
			return WrapExitError(ExitFailure, "negative cache sweeper", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	a.logger.Info("server stopped gracefully")
	return nil
}
