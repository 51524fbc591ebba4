package session

import (
	"errors"
	"fmt"
	"time"
)

const DefaultAgentPort = 5223

var (
	ErrInvalidPort    = errors.New("session: invalid agent port")
	ErrInvalidTimeout = errors.New("session: timeouts must be positive")
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines agent transport defaults.
type Config struct {
	AgentPort       int
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ExchangeTimeout time.Duration
	MaxLineBytes    int
	TLS             TLSConfig
	Backoff         BackoffConfig
}

// DefaultConfig returns bounded defaults for one agent exchange.
func DefaultConfig() Config {
	return Config{
		AgentPort:       DefaultAgentPort,
		ConnectTimeout:  3 * time.Second,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ExchangeTimeout: 15 * time.Second,
		MaxLineBytes:    4096,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.AgentPort == 0 {
		c.AgentPort = def.AgentPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = def.ExchangeTimeout
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = def.MaxLineBytes
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// Validate rejects settings that would leave a socket without a bound.
func (c Config) Validate() error {
	if c.AgentPort <= 0 || c.AgentPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.AgentPort)
	}
	if c.ConnectTimeout <= 0 || c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.ExchangeTimeout <= 0 {
		return ErrInvalidTimeout
	}
	return c.ValidateClientTransport()
}
