package client

import (
	"fmt"
	"net/url"
	"time"

	"github.com/plgd-dev/mobile-auth/pkg/log"
	pkgHTTP "github.com/plgd-dev/mobile-auth/pkg/net/http/client"
	pkgX509 "github.com/plgd-dev/mobile-auth/pkg/security/x509"
	"github.com/plgd-dev/mobile-auth/preferences"
	"github.com/plgd-dev/mobile-auth/store"
)

// DefaultScope is requested when the config does not name one.
const DefaultScope = "RegisteredClient"

// DefaultMaxAuthorizationRequired bounds consecutive authorization-required
// responses within one request, guarding against challenge loops.
const DefaultMaxAuthorizationRequired = 2

type ApplicationConfig struct {
	ID          string `yaml:"id" json:"id"`
	Version     string `yaml:"version" json:"version"`
	Environment string `yaml:"environment" json:"environment"`
}

func (c *ApplicationConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id")
	}
	if c.Version == "" {
		return fmt.Errorf("version")
	}
	if c.Environment == "" {
		return fmt.Errorf("environment")
	}
	return nil
}

type DeviceConfig struct {
	OS    string `yaml:"os" json:"os"`
	Model string `yaml:"model" json:"model"`
}

func (c *DeviceConfig) Validate() error {
	if c.OS == "" {
		return fmt.Errorf("os")
	}
	if c.Model == "" {
		return fmt.Errorf("model")
	}
	return nil
}

type Config struct {
	// Endpoint is the authorization-server root, e.g. https://auth.example.com.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// TenantID is appended to the authorization path on every request.
	TenantID string `yaml:"tenantID" json:"tenantID"`

	Application ApplicationConfig `yaml:"application" json:"application"`
	Device      DeviceConfig      `yaml:"device" json:"device"`

	// Scope requested during authorization; DefaultScope when empty.
	Scope string `yaml:"scope" json:"scope"`

	// ClockSkew is the allowance when validating the device certificate's
	// validity window.
	ClockSkew time.Duration `yaml:"clockSkew" json:"clockSkew"`

	// MaxAuthorizationRequired bounds consecutive challenge rounds per request.
	MaxAuthorizationRequired int `yaml:"maxAuthorizationRequired" json:"maxAuthorizationRequired"`

	HTTP        pkgHTTP.Config     `yaml:"http" json:"http"`
	Store       store.Config       `yaml:"store" json:"store"`
	Preferences preferences.Config `yaml:"preferences" json:"preferences"`
	Log         log.Config         `yaml:"log" json:"log"`
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil || c.Endpoint == "" || u.Host == "" {
		return fmt.Errorf("endpoint")
	}
	if c.TenantID == "" {
		return fmt.Errorf("tenantID")
	}
	if err := c.Application.Validate(); err != nil {
		return fmt.Errorf("application.%w", err)
	}
	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device.%w", err)
	}
	if c.ClockSkew < 0 {
		return fmt.Errorf("clockSkew")
	}
	if c.MaxAuthorizationRequired < 0 {
		return fmt.Errorf("maxAuthorizationRequired")
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http.%w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store.%w", err)
	}
	if err := c.Preferences.Validate(); err != nil {
		return fmt.Errorf("preferences.%w", err)
	}
	return nil
}

func (c *Config) scope() string {
	if c.Scope == "" {
		return DefaultScope
	}
	return c.Scope
}

func (c *Config) clockSkew() time.Duration {
	if c.ClockSkew == 0 {
		return pkgX509.DefaultClockSkew
	}
	return c.ClockSkew
}

func (c *Config) maxAuthorizationRequired() int {
	if c.MaxAuthorizationRequired == 0 {
		return DefaultMaxAuthorizationRequired
	}
	return c.MaxAuthorizationRequired
}

// rewriteDomain is the host the server uses to correlate rewritten URLs.
func (c *Config) rewriteDomain() string {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}
