package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetkey/fleetkey/internal/metrics"
	"github.com/fleetkey/fleetkey/internal/rotation"
	"github.com/fleetkey/fleetkey/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet rotation API server",
		Long: `Start the interactive API server: device rotation endpoints, status
projections, the live event stream, and the internal endpoint the
scheduler posts rotation signals to.`,
		Example: `  # Run with the default config file
  fleetkey serve

  # Run with debug logging
  fleetkey serve --debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env.loadConfig()
			if err != nil {
				return err
			}
			logger := env.Logger

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := store.Ping(ctx); err != nil {
				return fmt.Errorf("device store unreachable: %w", err)
			}

			iss, err := buildIssuer(cfg, logger)
			if err != nil {
				return err
			}

			metrics.Init()
			metricsServer := metrics.NewServer(metricsServerConfig(cfg))
			if err := metricsServer.Start(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			// In-process announcer: mutations made through this server
			// reach event-stream clients directly, no bridge hop.
			hub := server.NewHub()
			engine := rotation.NewEngine(store, iss, hub, logger)
			aggregator := buildAggregator(cfg, store)

			srv := server.New(server.Config{
				Listen:        cfg.Server.Listen,
				InternalToken: cfg.Server.InternalToken,
			}, store, engine, aggregator, hub, logger)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsServer.Stop(shutdownCtx); err != nil {
				logger.Debug("metrics server shutdown: %v", err)
			}
			return srv.Shutdown(shutdownCtx)
		},
	}
}
