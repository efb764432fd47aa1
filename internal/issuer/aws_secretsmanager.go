package issuer

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/fleetkey/fleetkey/internal/logging"
)

// Secrets Manager staging labels used for the two-phase handshake.
const (
	stagePending = "AWSPENDING"
	stageCurrent = "AWSCURRENT"
)

// SecretsManagerAPI defines the interface for AWS Secrets Manager operations
// This allows for mocking in tests
type SecretsManagerAPI interface {
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	UpdateSecretVersionStage(ctx context.Context, params *secretsmanager.UpdateSecretVersionStageInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error)
}

// SecretsManagerConfig holds the AWS issuer configuration.
type SecretsManagerConfig struct {
	Region   string
	Endpoint string // Optional custom endpoint for LocalStack or testing

	// Static credentials for LocalStack/testing; the default credential
	// chain is used when empty.
	AccessKeyID     string
	SecretAccessKey string

	// Prefix is prepended to the device key to form the secret name,
	// e.g. "fleet/devices/" + "sensor-1".
	Prefix string
}

// SecretsManagerIssuer stores device credential versions in AWS Secrets
// Manager. A new version is staged AWSPENDING when the device begins
// its handshake and promoted to AWSCURRENT when the device confirms
// adoption, so the old credential stays valid until the cutover.
type SecretsManagerIssuer struct {
	client SecretsManagerAPI
	config SecretsManagerConfig
	logger *logging.Logger
}

// SecretsManagerOption is a functional option for configuring the issuer
type SecretsManagerOption func(*SecretsManagerIssuer)

// WithSecretsManagerClient sets a custom Secrets Manager client (for testing)
func WithSecretsManagerClient(client SecretsManagerAPI) SecretsManagerOption {
	return func(i *SecretsManagerIssuer) {
		i.client = client
	}
}

// NewSecretsManagerIssuer creates a new AWS Secrets Manager issuer.
func NewSecretsManagerIssuer(cfg SecretsManagerConfig, logger *logging.Logger, opts ...SecretsManagerOption) (*SecretsManagerIssuer, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	issuer := &SecretsManagerIssuer{
		config: cfg,
		logger: logger,
	}

	// Apply options (allows mock client injection)
	for _, opt := range opts {
		opt(issuer)
	}

	// If no client was provided via options, create real client
	if issuer.client == nil {
		var configOpts []func(*config.LoadOptions) error
		configOpts = append(configOpts, config.WithRegion(cfg.Region))

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			configOpts = append(configOpts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
			))
		}

		awsCfg, err := config.LoadDefaultConfig(context.Background(), configOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		var clientOpts []func(*secretsmanager.Options)
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		issuer.client = secretsmanager.NewFromConfig(awsCfg, clientOpts...)
	}

	return issuer, nil
}

// secretName maps a device key to its Secrets Manager secret id.
func (i *SecretsManagerIssuer) secretName(deviceKey string) string {
	return i.config.Prefix + deviceKey
}

// IssueCredential stores a fresh credential value as an AWSPENDING
// version of the device's secret. The device record's secret must
// already exist (created at provisioning time).
func (i *SecretsManagerIssuer) IssueCredential(ctx context.Context, deviceKey string) (CredentialRef, error) {
	value, err := randomToken()
	if err != nil {
		return CredentialRef{}, err
	}

	out, err := i.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:      aws.String(i.secretName(deviceKey)),
		SecretString:  aws.String(value),
		VersionStages: []string{stagePending},
	})
	if err != nil {
		return CredentialRef{}, fmt.Errorf("failed to issue credential for device %s: %w", deviceKey, err)
	}

	version := aws.ToString(out.VersionId)
	i.logger.Debug("issued pending credential version %s for device %s", version, deviceKey)
	return CredentialRef{DeviceKey: deviceKey, Version: version}, nil
}

// ActivateCredential moves the AWSCURRENT stage onto the issued version,
// demoting whichever version held it before. An empty version resolves
// to the secret's AWSPENDING version, so callers that span separate
// requests (the device handshake does) need not carry the version id.
func (i *SecretsManagerIssuer) ActivateCredential(ctx context.Context, deviceKey, version string) error {
	secretID := i.secretName(deviceKey)

	if version == "" {
		version = i.stagedVersion(ctx, secretID, stagePending)
		if version == "" {
			return fmt.Errorf("no pending credential version for device %s", deviceKey)
		}
	}

	input := &secretsmanager.UpdateSecretVersionStageInput{
		SecretId:        aws.String(secretID),
		VersionStage:    aws.String(stageCurrent),
		MoveToVersionId: aws.String(version),
	}

	// AWSCURRENT can only move when the version currently holding it is
	// named explicitly.
	if current := i.stagedVersion(ctx, secretID, stageCurrent); current != "" && current != version {
		input.RemoveFromVersionId = aws.String(current)
	}

	if _, err := i.client.UpdateSecretVersionStage(ctx, input); err != nil {
		return fmt.Errorf("failed to activate credential for device %s: %w", deviceKey, err)
	}

	i.logger.Debug("activated credential version %s for device %s", version, deviceKey)
	return nil
}

// stagedVersion finds the version id carrying the given staging label.
// Returns "" when no version carries it or the lookup fails.
func (i *SecretsManagerIssuer) stagedVersion(ctx context.Context, secretID, stage string) string {
	out, err := i.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		i.logger.Debug("describe secret %s failed: %v", secretID, err)
		return ""
	}
	for versionID, stages := range out.VersionIdsToStages {
		for _, s := range stages {
			if s == stage {
				return versionID
			}
		}
	}
	return ""
}
