package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetkey/fleetkey/internal/metrics"
	"github.com/fleetkey/fleetkey/internal/notify"
	"github.com/fleetkey/fleetkey/internal/rotation"
)

// NewSweepCommand creates the sweep command, the periodic scheduler
// entrypoint meant for cron or a systemd timer.
func NewSweepCommand(env *Env) *cobra.Command {
	var (
		fleetOnly   bool
		timeoutOnly bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Queue eligible devices and park stuck handshakes",
		Long: `Run one scheduler invocation: queue every active device currently OK
for rotation, then move devices stuck in PENDING past the timeout
window into TIMEOUT. Intended to be invoked periodically; re-running
is always safe because both halves are filtered writes.`,
		Example: `  # Full invocation for a cron entry
  fleetkey sweep

  # Queue the fleet without touching stuck handshakes
  fleetkey sweep --fleet-only

  # Only park timed-out handshakes
  fleetkey sweep --timeout-only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fleetOnly && timeoutOnly {
				return fmt.Errorf("--fleet-only and --timeout-only are mutually exclusive")
			}

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

			metrics.Init()

			ctx := cmd.Context()
			announcer := buildBridge(cfg, logger)
			if bridge, ok := announcer.(*notify.Bridge); ok {
				bridge.Start(ctx)
				defer bridge.Stop()
			}

			scheduler := rotation.NewScheduler(store, announcer, logger, cfg.Rotation.PendingTimeout.Std())

			switch {
			case fleetOnly:
				n, err := scheduler.TriggerFleetRotation(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Queued %d device(s) for rotation\n", n)
			case timeoutOnly:
				n, err := scheduler.RunTimeoutSweep(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Parked %d stuck handshake(s)\n", n)
			default:
				if err := scheduler.Run(ctx); err != nil {
					return err
				}
				fmt.Println("Sweep complete")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fleetOnly, "fleet-only", false, "Only queue eligible devices")
	cmd.Flags().BoolVar(&timeoutOnly, "timeout-only", false, "Only park timed-out handshakes")

	return cmd
}
