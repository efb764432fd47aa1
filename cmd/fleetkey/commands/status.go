package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fleetkey/fleetkey/internal/dashboard"
	"github.com/fleetkey/fleetkey/internal/device"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(env *Env) *cobra.Command {
	var statusFormat string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet rotation health",
		Long: `Display the fleet grouped into health bands (healthy, warning,
critical, inactive) together with per-state rotation counts.`,
		Example: `  # Human-readable table
  fleetkey status

  # Machine-readable output
  fleetkey status --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env.loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			aggregator := buildAggregator(cfg, store)

			ctx := cmd.Context()
			board, err := aggregator.GetDashboardStatus(ctx)
			if err != nil {
				return err
			}
			rot, err := aggregator.GetRotationStatus(ctx)
			if err != nil {
				return err
			}

			switch statusFormat {
			case "json":
				return outputStatusJSON(board, rot)
			case "yaml":
				return outputStatusYAML(board, rot)
			default:
				return outputStatusTable(board, rot)
			}
		},
	}

	cmd.Flags().StringVar(&statusFormat, "format", "table", "Output format: table, json, yaml")

	return cmd
}

type statusDocument struct {
	Dashboard *dashboard.DashboardStatus `json:"dashboard" yaml:"dashboard"`
	Rotation  *dashboard.RotationStatus  `json:"rotation" yaml:"rotation"`
}

func outputStatusJSON(board *dashboard.DashboardStatus, rot *dashboard.RotationStatus) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(statusDocument{Dashboard: board, Rotation: rot})
}

func outputStatusYAML(board *dashboard.DashboardStatus, rot *dashboard.RotationStatus) error {
	data, err := yaml.Marshal(statusDocument{Dashboard: board, Rotation: rot})
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}

func outputStatusTable(board *dashboard.DashboardStatus, rot *dashboard.RotationStatus) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)

	fmt.Fprintln(w, "DEVICE\tHEALTH\tSTATE\tACTIVE\tLAST ROTATION")
	fmt.Fprintln(w, "------\t------\t-----\t------\t-------------")

	now := time.Now()
	groups := []struct {
		name    string
		devices []device.Device
	}{
		{"critical", board.Critical},
		{"warning", board.Warning},
		{"healthy", board.Healthy},
		{"inactive", board.Inactive},
	}
	for _, g := range groups {
		for _, d := range g.devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				d.Key, g.name, d.State, formatActive(d.Active),
				formatLastRotation(d.LastRotationCompletedAt, now))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Fleet: %d device(s)", rot.Total)
	for _, st := range device.AllStates() {
		fmt.Printf("  %s=%d", st, rot.CountsByState[st])
	}
	fmt.Printf("  inactive=%d\n", rot.Inactive)
	return nil
}

func formatActive(active bool) string {
	if active {
		return "yes"
	}
	return "no"
}

func formatLastRotation(t *time.Time, now time.Time) string {
	if t == nil {
		return "Never"
	}
	age := now.Sub(*t)
	switch {
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}
