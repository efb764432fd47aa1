// Package commands implements the fleetkey CLI subcommands.
package commands

import (
	"fmt"

	"github.com/fleetkey/fleetkey/internal/config"
	"github.com/fleetkey/fleetkey/internal/dashboard"
	"github.com/fleetkey/fleetkey/internal/device"
	"github.com/fleetkey/fleetkey/internal/issuer"
	"github.com/fleetkey/fleetkey/internal/logging"
	"github.com/fleetkey/fleetkey/internal/metrics"
	"github.com/fleetkey/fleetkey/internal/notify"
)

// Env carries the global flag state from the root command into the
// subcommands. The config file itself is loaded lazily so commands
// that do not need it (schema) keep working without one.
type Env struct {
	ConfigPath string
	Logger     *logging.Logger
}

func (e *Env) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(e.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Path = e.ConfigPath
	cfg.Logger = e.Logger
	return cfg, nil
}

func openStore(cfg *config.Config) (*device.SQLStore, error) {
	store, err := device.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		// Driver errors can echo the connection string; keep the DSN
		// out of anything that reaches a terminal or a log shipper.
		return nil, fmt.Errorf("failed to open device store: %s",
			logging.Redact(err.Error(), []string{cfg.Database.DSN}))
	}
	return store, nil
}

func buildIssuer(cfg *config.Config, logger *logging.Logger) (issuer.Issuer, error) {
	switch cfg.Issuer.Type {
	case "", "none":
		return issuer.Noop{}, nil
	case "aws.secretsmanager":
		logger.Debug("issuer: aws secretsmanager, region %s, access key %s",
			cfg.Issuer.Region, logging.Secret(cfg.Issuer.AccessKeyID))
		return issuer.NewSecretsManagerIssuer(issuer.SecretsManagerConfig{
			Region:          cfg.Issuer.Region,
			Endpoint:        cfg.Issuer.Endpoint,
			AccessKeyID:     cfg.Issuer.AccessKeyID,
			SecretAccessKey: cfg.Issuer.SecretAccessKey,
			Prefix:          cfg.Issuer.Prefix,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown issuer type '%s'", cfg.Issuer.Type)
	}
}

// buildBridge creates the cross-process announcer used by commands
// that run outside the serving process. No endpoint configured means
// no serving process to notify; signals go nowhere.
func buildBridge(cfg *config.Config, logger *logging.Logger) notify.Announcer {
	if cfg.Bridge.Endpoint == "" {
		return notify.Discard{}
	}
	logger.Debug("bridge announcer targeting %s (token %s)",
		cfg.Bridge.Endpoint, logging.Secret(cfg.Server.InternalToken))
	return notify.NewBridge(notify.BridgeConfig{
		Endpoint: cfg.Bridge.Endpoint,
		Token:    cfg.Server.InternalToken,
		Timeout:  cfg.Bridge.Timeout.Std(),
	}, logger)
}

func buildAggregator(cfg *config.Config, store device.Store) *dashboard.Aggregator {
	return dashboard.NewAggregator(store, dashboard.HealthPolicy{
		WarnAfter:     cfg.Rotation.WarnAfter.Std(),
		CriticalAfter: cfg.Rotation.CriticalAfter.Std(),
	})
}

func metricsServerConfig(cfg *config.Config) metrics.ServerConfig {
	mc := metrics.DefaultServerConfig()
	mc.Enabled = cfg.Metrics.Enabled
	if cfg.Metrics.Port != 0 {
		mc.Port = cfg.Metrics.Port
	}
	if cfg.Metrics.Path != "" {
		mc.Path = cfg.Metrics.Path
	}
	return mc
}
