package client

import (
	"fmt"
	"time"
)

type Config struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive)
	// connections across all hosts. Zero means no limit.
	MaxIdleConns int `yaml:"maxIdleConns" json:"maxIdleConns"`

	// MaxConnsPerHost optionally limits the total number of
	// connections per host. Zero means no limit.
	MaxConnsPerHost int `yaml:"maxConnsPerHost" json:"maxConnsPerHost"`

	// MaxIdleConnsPerHost, if non-zero, controls the maximum idle
	// (keep-alive) connections to keep per-host.
	MaxIdleConnsPerHost int `yaml:"maxIdleConnsPerHost" json:"maxIdleConnsPerHost"`

	// IdleConnTimeout is the maximum amount of time an idle
	// (keep-alive) connection will remain idle before closing itself.
	IdleConnTimeout time.Duration `yaml:"idleConnTimeout" json:"idleConnTimeout"`

	// Timeout is the default per-request time limit; a Request may
	// override it per call.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxRetries bounds automatic retries of connection timeouts and
	// HTTP 504 responses.
	MaxRetries int `yaml:"maxRetries" json:"maxRetries"`
}

func (c *Config) Validate() error {
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("maxIdleConns")
	}
	if c.MaxConnsPerHost < 0 {
		return fmt.Errorf("maxConnsPerHost")
	}
	if c.MaxIdleConnsPerHost < 0 {
		return fmt.Errorf("maxIdleConnsPerHost")
	}
	if c.IdleConnTimeout < 0 {
		return fmt.Errorf("idleConnTimeout")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("maxRetries")
	}
	return nil
}
