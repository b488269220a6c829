package client

import (
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	pkgJson "github.com/plgd-dev/mobile-auth/pkg/codec/json"
	pkgErrors "github.com/plgd-dev/mobile-auth/pkg/errors"
	"github.com/plgd-dev/mobile-auth/pkg/log"
	"github.com/plgd-dev/mobile-auth/pkg/security/envelope"
)

type deviceIdentity struct {
	ID    string `json:"id"`
	OS    string `json:"os"`
	Model string `json:"model"`
}

type appIdentity struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// loadDeviceIdentity returns the cached device identity blob, generating it
// with a fresh device id on first use.
func (c *Client) loadDeviceIdentity() (deviceIdentity, error) {
	var identity deviceIdentity
	if stored, ok := c.preferences.DeviceIdentity(); ok {
		if err := pkgJson.Decode([]byte(stored), &identity); err == nil {
			return identity, nil
		}
		log.Warnf("stored device identity unreadable, regenerating")
	}
	identity = deviceIdentity{
		ID:    uuid.NewString(),
		OS:    c.config.Device.OS,
		Model: c.config.Device.Model,
	}
	data, err := pkgJson.Encode(identity)
	if err != nil {
		return identity, err
	}
	if err := c.preferences.SetDeviceIdentity(string(data)); err != nil {
		return identity, err
	}
	return identity, nil
}

// loadAppIdentity returns the cached application identity blob, generating it
// on first use.
func (c *Client) loadAppIdentity() (appIdentity, error) {
	var identity appIdentity
	if stored, ok := c.preferences.AppIdentity(); ok {
		if err := pkgJson.Decode([]byte(stored), &identity); err == nil {
			return identity, nil
		}
		log.Warnf("stored app identity unreadable, regenerating")
	}
	identity = appIdentity{
		ID:      c.config.Application.ID,
		Version: c.config.Application.Version,
	}
	data, err := pkgJson.Encode(identity)
	if err != nil {
		return identity, err
	}
	if err := c.preferences.SetAppIdentity(string(data)); err != nil {
		return identity, err
	}
	return identity, nil
}

// userIdentityFromIDToken extracts the ID token's payload segment verbatim.
// The payload must parse as JWT claims; trust comes from the TLS channel the
// token arrived over, so the signature is not re-verified here.
func userIdentityFromIDToken(idToken string) (json.RawMessage, error) {
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, jwt.MapClaims{}); err != nil {
		return nil, pkgErrors.NewErrorWithMessage("invalid ID token", pkgErrors.ErrProtocol, err)
	}
	payload, err := envelope.Payload(idToken)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}
