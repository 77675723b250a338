// Locus - Realtime Location Presence Server
// Copyright 2026 Alex Roth (alexroth96)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/alexroth96/locus

// Package config loads and validates Locus configuration using Koanf v2
// with layered sources: built-in defaults, an optional YAML file, and
// environment variables (highest priority).
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the Locus server.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	Users    UsersConfig    `koanf:"users"`
	Geocode  GeocodeConfig  `koanf:"geocode"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// Addr returns the host:port listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SecurityConfig holds authentication settings.
//
// JWTSecret signs and verifies the HS256 identity tokens issued by the
// login endpoint and presented at WebSocket admission. It is injected
// configuration, never a compile-time literal.
type SecurityConfig struct {
	JWTSecret       string        `koanf:"jwt_secret"`
	SessionTimeout  time.Duration `koanf:"session_timeout"`
	BcryptCost      int           `koanf:"bcrypt_cost"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// UsersConfig holds the account store settings.
type UsersConfig struct {
	// Path is the BadgerDB directory for user records.
	// Empty enables an in-memory store (development and tests).
	Path string `koanf:"path"`
}

// GeocodeConfig holds reverse-geocoding enrichment settings.
// Enrichment is optional; when disabled, presence entries carry
// coordinates only.
type GeocodeConfig struct {
	Enabled   bool          `koanf:"enabled"`
	URL       string        `koanf:"url"`
	UserAgent string        `koanf:"user_agent"`
	Timeout   time.Duration `koanf:"timeout"`

	// RatePerSecond caps outbound lookup requests. Public Nominatim
	// instances require at most one request per second.
	RatePerSecond float64 `koanf:"rate_per_second"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json (production) or console (development).
	Format string `koanf:"format"`

	// Caller includes caller file and line number in logs.
	Caller bool `koanf:"caller"`
}

// minJWTSecretLen is the minimum secret length accepted at startup.
// Shorter HMAC keys weaken the token scheme below its hash strength.
const minJWTSecretLen = 32

// Validate checks the configuration for values that would make the
// server unsafe or unable to start.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive, got %s", c.Server.Timeout)
	}

	if c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required (set JWT_SECRET)")
	}
	if len(c.Security.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("security.jwt_secret must be at least %d characters, got %d",
			minJWTSecretLen, len(c.Security.JWTSecret))
	}
	if c.Security.SessionTimeout <= 0 {
		return fmt.Errorf("security.session_timeout must be positive, got %s", c.Security.SessionTimeout)
	}

	if c.Geocode.Enabled {
		if c.Geocode.URL == "" {
			return fmt.Errorf("geocode.url is required when geocoding is enabled")
		}
		if c.Geocode.Timeout <= 0 {
			return fmt.Errorf("geocode.timeout must be positive, got %s", c.Geocode.Timeout)
		}
		if c.Geocode.RatePerSecond <= 0 {
			return fmt.Errorf("geocode.rate_per_second must be positive, got %g", c.Geocode.RatePerSecond)
		}
	}

	return nil
}
