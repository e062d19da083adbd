// Copyright 2025 James Ross
package adminapi

import "time"

// Config is the ingress HTTP server's own settings, kept separate from
// internal/config.Config the way the teacher's admin-api does. The server
// runs inside cmd/orchestrator under the ingress and all roles.
type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	RequireAuth bool   `mapstructure:"require_auth"`
	BearerToken string `mapstructure:"bearer_token"`

	CORSEnabled      bool     `mapstructure:"cors_enabled"`
	CORSAllowOrigins []string `mapstructure:"cors_allow_origins"`
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RequireAuth:     false,
		CORSEnabled:     false,
		CORSAllowOrigins: []string{"*"},
	}
}
