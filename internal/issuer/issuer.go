// Package issuer defines the credential issuance boundary used during
// the device rotation handshake. The rotation engine only tracks
// lifecycle state; the issuer is where new credential material actually
// gets minted and activated.
package issuer

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// CredentialRef identifies a credential version issued for a device.
// The credential value itself never passes back through the rotation
// engine.
type CredentialRef struct {
	DeviceKey string
	Version   string
}

// Issuer mints and activates device credentials.
type Issuer interface {
	// IssueCredential creates a new, not-yet-active credential version
	// for the device. Called when the device begins its handshake
	// (QUEUED -> PENDING).
	IssueCredential(ctx context.Context, deviceKey string) (CredentialRef, error)

	// ActivateCredential promotes a previously issued version to be the
	// device's current credential. Called when the device confirms
	// adoption (PENDING -> OK).
	ActivateCredential(ctx context.Context, deviceKey, version string) error
}

// Noop is the issuer used when credential issuance is handled entirely
// out of band. It hands out synthetic version ids so the engine's
// bookkeeping still works.
type Noop struct{}

// IssueCredential implements Issuer.
func (Noop) IssueCredential(_ context.Context, deviceKey string) (CredentialRef, error) {
	return CredentialRef{DeviceKey: deviceKey, Version: uuid.New().String()}, nil
}

// ActivateCredential implements Issuer.
func (Noop) ActivateCredential(context.Context, string, string) error {
	return nil
}

// randomToken returns a fresh URL-safe credential value.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate credential material: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
