package api

import "time"

// Config controls API behavior and security defaults.
type Config struct {
	MaxBodyBytes int64

	// ClockSkew bounds how far a signed request timestamp may drift from now.
	ClockSkew time.Duration

	// DevFaucet enables POST /v1/dev/airdrop.
	DevFaucet bool

	// Per-owner token bucket for signed operations.
	RateRPS   float64
	RateBurst int

	// TrustProxy lets X-Forwarded-For pick the client IP used to rate limit reads.
	TrustProxy bool
}

// DefaultConfig returns the production defaults: faucet off, 30s skew.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: 64 << 10,
		ClockSkew:    30 * time.Second,
		RateRPS:      10,
		RateBurst:    20,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = d.ClockSkew
	}
	if c.RateRPS <= 0 {
		c.RateRPS = d.RateRPS
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	return c
}
