// Package config loads and validates the fleetkey.yaml configuration
// shared by the serving process and the scheduler process.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	fkerrors "github.com/fleetkey/fleetkey/internal/errors"
	"github.com/fleetkey/fleetkey/internal/logging"
)

// Duration is a yaml-friendly wrapper around time.Duration accepting Go
// duration strings ("15m", "720h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fkerrors.InvalidRequestError{Field: "duration", Message: err.Error()}
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the runtime configuration for both processes.
type Config struct {
	Path   string          `yaml:"-"`
	Logger *logging.Logger `yaml:"-"`

	Database DatabaseConfig `yaml:"database"`
	Rotation RotationConfig `yaml:"rotation"`
	Server   ServerConfig   `yaml:"server"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Issuer   IssuerConfig   `yaml:"issuer"`
}

// DatabaseConfig selects the device store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RotationConfig holds the timeout window and health-band thresholds.
type RotationConfig struct {
	// PendingTimeout is how long a device may sit in PENDING before the
	// sweep parks it in TIMEOUT.
	PendingTimeout Duration `yaml:"pending_timeout"`

	// WarnAfter and CriticalAfter bound the dashboard health bands by
	// age of the last completed rotation.
	WarnAfter     Duration `yaml:"warn_after"`
	CriticalAfter Duration `yaml:"critical_after"`
}

// ServerConfig holds the interactive API server settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`

	// InternalToken guards the internal rotation-changed endpoint. When
	// empty the endpoint accepts unauthenticated calls (loopback-only
	// deployments).
	InternalToken string `yaml:"internal_token"`
}

// BridgeConfig tells the scheduler process where the serving process
// accepts rotation-changed signals.
type BridgeConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// IssuerConfig selects the credential issuer backend used during the
// device handshake.
type IssuerConfig struct {
	// Type is "none" or "aws.secretsmanager".
	Type string `yaml:"type"`

	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`

	// Prefix is prepended to the device key to form the secret name.
	Prefix string `yaml:"prefix,omitempty"`
}

// Defaults applied after load for fields the file omits.
const (
	DefaultPendingTimeout = 15 * time.Minute
	DefaultWarnAfter      = 30 * 24 * time.Hour
	DefaultCriticalAfter  = 90 * 24 * time.Hour
	DefaultListen         = ":8080"
	DefaultBridgeTimeout  = 5 * time.Second
	DefaultMetricsPort    = 9090
	DefaultMetricsPath    = "/metrics"
)

// Load reads, schema-validates and decodes the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes configuration bytes. Split from Load for tests.
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Rotation.PendingTimeout == 0 {
		c.Rotation.PendingTimeout = Duration(DefaultPendingTimeout)
	}
	if c.Rotation.WarnAfter == 0 {
		c.Rotation.WarnAfter = Duration(DefaultWarnAfter)
	}
	if c.Rotation.CriticalAfter == 0 {
		c.Rotation.CriticalAfter = Duration(DefaultCriticalAfter)
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Bridge.Timeout == 0 {
		c.Bridge.Timeout = Duration(DefaultBridgeTimeout)
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Issuer.Type == "" {
		c.Issuer.Type = "none"
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql":
	default:
		return fkerrors.InvalidRequestError{
			Field:   "database.driver",
			Message: fmt.Sprintf("unsupported driver '%s'", c.Database.Driver),
		}
	}
	if c.Database.DSN == "" {
		return fkerrors.InvalidRequestError{Field: "database.dsn", Message: "must not be empty"}
	}
	switch c.Issuer.Type {
	case "none", "aws.secretsmanager":
	default:
		return fkerrors.InvalidRequestError{
			Field:   "issuer.type",
			Message: fmt.Sprintf("unsupported issuer '%s'", c.Issuer.Type),
		}
	}
	if c.Rotation.WarnAfter.Std() > c.Rotation.CriticalAfter.Std() {
		return fkerrors.InvalidRequestError{
			Field:   "rotation.warn_after",
			Message: "must not exceed rotation.critical_after",
		}
	}
	return nil
}

// validateSchema checks the raw document against the embedded JSON
// schema before struct decoding, so typos in section or key names fail
// loudly instead of silently falling back to defaults.
func validateSchema(raw map[string]interface{}) error {
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal config for validation: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(configSchema)
	documentLoader := gojsonschema.NewBytesLoader(jsonData)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var errorMessages []string
		for _, desc := range result.Errors() {
			errorMessages = append(errorMessages, desc.String())
		}
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errorMessages, "\n  - "))
	}
	return nil
}

const configSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["database"],
  "properties": {
    "database": {
      "type": "object",
      "additionalProperties": false,
      "required": ["driver", "dsn"],
      "properties": {
        "driver": {"type": "string", "enum": ["postgres", "mysql"]},
        "dsn": {"type": "string", "minLength": 1}
      }
    },
    "rotation": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "pending_timeout": {"type": "string"},
        "warn_after": {"type": "string"},
        "critical_after": {"type": "string"}
      }
    },
    "server": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "listen": {"type": "string"},
        "internal_token": {"type": "string"}
      }
    },
    "bridge": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "endpoint": {"type": "string"},
        "timeout": {"type": "string"}
      }
    },
    "metrics": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "path": {"type": "string"}
      }
    },
    "issuer": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "type": {"type": "string", "enum": ["none", "aws.secretsmanager"]},
        "region": {"type": "string"},
        "endpoint": {"type": "string"},
        "access_key_id": {"type": "string"},
        "secret_access_key": {"type": "string"},
        "prefix": {"type": "string"}
      }
    }
  }
}`
