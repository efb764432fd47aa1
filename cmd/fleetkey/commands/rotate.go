package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetkey/fleetkey/internal/issuer"
	"github.com/fleetkey/fleetkey/internal/metrics"
	"github.com/fleetkey/fleetkey/internal/notify"
	"github.com/fleetkey/fleetkey/internal/rotation"
)

// NewRotateCommand creates the rotate command, the operator's manual
// single-device trigger.
func NewRotateCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <device-key>",
		Short: "Queue one device for credential rotation",
		Long: `Force-queue a single device for rotation. Works on any device
regardless of its active flag or current state: this is the only way
to requeue a device parked in TIMEOUT, and it also rotates
deactivated devices. Devices already QUEUED or PENDING are left
alone.`,
		Example: `  # Requeue a device stuck in TIMEOUT
  fleetkey rotate sensor-gw-042`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]

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

			// Queue-time work never issues credentials; issuance
			// happens when the device begins its handshake.
			engine := rotation.NewEngine(store, issuer.Noop{}, announcer, logger)

			outcome, err := engine.TriggerSingleDeviceRotation(ctx, key)
			if err != nil {
				return err
			}

			switch outcome {
			case rotation.OutcomeQueued:
				fmt.Printf("Device '%s' queued for rotation\n", key)
			case rotation.OutcomeAlreadyInProgress:
				fmt.Printf("Device '%s' already has a rotation in progress\n", key)
			}
			return nil
		},
	}
}
