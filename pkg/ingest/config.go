// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/abcxyz/pkg/cfgloader"
	"github.com/abcxyz/pkg/cli"
	"github.com/sethvargo/go-envconfig"
)

// Config defines the environment settings for the ingestion service.
type Config struct {
	// Host and Port form the listen address.
	Host string `env:"TELEMETRY_API_HOST,default=0.0.0.0"`
	Port string `env:"TELEMETRY_API_PORT,default=8765"`

	// Workers must be 1. The embedded store tolerates exactly one writing
	// process; more workers is a misconfiguration, not a tuning knob.
	Workers int `env:"TELEMETRY_API_WORKERS,default=1"`

	// DBPath overrides the store location. Defaults to
	// {base}/db/telemetry.sqlite.
	DBPath string `env:"TELEMETRY_DB_PATH"`

	// BaseDir anchors the local state layout. Defaults to ~/.runtel.
	BaseDir string `env:"TELEMETRY_BASE_DIR"`

	// Store pragmas, verified on every connection at open.
	DBJournalMode   string `env:"TELEMETRY_DB_JOURNAL_MODE,default=DELETE"`
	DBSynchronous   string `env:"TELEMETRY_DB_SYNCHRONOUS,default=FULL"`
	DBBusyTimeoutMS int    `env:"TELEMETRY_DB_BUSY_TIMEOUT_MS,default=30000"`

	// Bearer-token authentication for /api/v1 routes. Off by default.
	AuthEnabled bool   `env:"TELEMETRY_API_AUTH_ENABLED,default=false"`
	AuthToken   string `env:"TELEMETRY_API_AUTH_TOKEN"`

	// Per-client rate limiting. Off by default.
	RateLimitEnabled bool `env:"TELEMETRY_RATE_LIMIT_ENABLED,default=false"`
	RateLimitRPM     int  `env:"TELEMETRY_RATE_LIMIT_RPM,default=120"`
}

// NewConfig reads the service configuration from the environment.
func NewConfig(ctx context.Context) (*Config, error) {
	return newConfig(ctx, envconfig.OsLookuper())
}

func newConfig(ctx context.Context, lu envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := cfgloader.Load(ctx, &cfg, cfgloader.WithLookuper(lu)); err != nil {
		return nil, fmt.Errorf("failed to parse ingestion service config: %w", err)
	}
	return &cfg, nil
}

// Validate validates the service config after load.
func (cfg *Config) Validate() error {
	var merr error

	if cfg.Workers != 1 {
		merr = errors.Join(merr, fmt.Errorf("TELEMETRY_API_WORKERS must be 1, got %d: the store supports a single writing process", cfg.Workers))
	}

	if cfg.Port == "" {
		merr = errors.Join(merr, fmt.Errorf("TELEMETRY_API_PORT is required"))
	}

	if cfg.DBBusyTimeoutMS <= 0 {
		merr = errors.Join(merr, fmt.Errorf("TELEMETRY_DB_BUSY_TIMEOUT_MS must be positive, got %d", cfg.DBBusyTimeoutMS))
	}

	if cfg.AuthEnabled && cfg.AuthToken == "" {
		merr = errors.Join(merr, fmt.Errorf("TELEMETRY_API_AUTH_TOKEN is required when TELEMETRY_API_AUTH_ENABLED is true"))
	}

	if cfg.RateLimitEnabled && cfg.RateLimitRPM <= 0 {
		merr = errors.Join(merr, fmt.Errorf("TELEMETRY_RATE_LIMIT_RPM must be positive when TELEMETRY_RATE_LIMIT_ENABLED is true, got %d", cfg.RateLimitRPM))
	}

	return merr
}

// DatabasePath resolves the store file location from the overrides and
// defaults.
func (cfg *Config) DatabasePath() (string, error) {
	if cfg.DBPath != "" {
		return cfg.DBPath, nil
	}
	base := cfg.BaseDir
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		base = filepath.Join(home, ".runtel")
	}
	return filepath.Join(base, "db", "telemetry.sqlite"), nil
}

// ToFlags binds the config to the given [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("SERVER OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "host",
		Target:  &cfg.Host,
		EnvVar:  "TELEMETRY_API_HOST",
		Default: "0.0.0.0",
		Usage:   `The address the ingestion service binds to.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "port",
		Target:  &cfg.Port,
		EnvVar:  "TELEMETRY_API_PORT",
		Default: "8765",
		Usage:   `The port the ingestion service listens on.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "workers",
		Target:  &cfg.Workers,
		EnvVar:  "TELEMETRY_API_WORKERS",
		Default: 1,
		Usage:   `The worker process count. Must be 1.`,
	})

	d := set.NewSection("DATABASE OPTIONS")

	d.StringVar(&cli.StringVar{
		Name:   "db-path",
		Target: &cfg.DBPath,
		EnvVar: "TELEMETRY_DB_PATH",
		Usage:  `The store file path. Defaults to {base}/db/telemetry.sqlite.`,
	})

	d.StringVar(&cli.StringVar{
		Name:   "base-dir",
		Target: &cfg.BaseDir,
		EnvVar: "TELEMETRY_BASE_DIR",
		Usage:  `The base directory for local state. Defaults to ~/.runtel.`,
	})

	d.StringVar(&cli.StringVar{
		Name:    "db-journal-mode",
		Target:  &cfg.DBJournalMode,
		EnvVar:  "TELEMETRY_DB_JOURNAL_MODE",
		Default: "DELETE",
		Usage:   `The store journal mode.`,
	})

	d.StringVar(&cli.StringVar{
		Name:    "db-synchronous",
		Target:  &cfg.DBSynchronous,
		EnvVar:  "TELEMETRY_DB_SYNCHRONOUS",
		Default: "FULL",
		Usage:   `The store synchronous level.`,
	})

	d.IntVar(&cli.IntVar{
		Name:    "db-busy-timeout-ms",
		Target:  &cfg.DBBusyTimeoutMS,
		EnvVar:  "TELEMETRY_DB_BUSY_TIMEOUT_MS",
		Default: 30000,
		Usage:   `The store busy timeout in milliseconds.`,
	})

	s := set.NewSection("SECURITY OPTIONS")

	s.BoolVar(&cli.BoolVar{
		Name:    "auth-enabled",
		Target:  &cfg.AuthEnabled,
		EnvVar:  "TELEMETRY_API_AUTH_ENABLED",
		Default: false,
		Usage:   `Require a bearer token on /api/v1 routes.`,
	})

	s.StringVar(&cli.StringVar{
		Name:   "auth-token",
		Target: &cfg.AuthToken,
		EnvVar: "TELEMETRY_API_AUTH_TOKEN",
		Usage:  `The bearer token to require when auth is enabled.`,
	})

	s.BoolVar(&cli.BoolVar{
		Name:    "rate-limit-enabled",
		Target:  &cfg.RateLimitEnabled,
		EnvVar:  "TELEMETRY_RATE_LIMIT_ENABLED",
		Default: false,
		Usage:   `Rate limit /api/v1 requests per client.`,
	})

	s.IntVar(&cli.IntVar{
		Name:    "rate-limit-rpm",
		Target:  &cfg.RateLimitRPM,
		EnvVar:  "TELEMETRY_RATE_LIMIT_RPM",
		Default: 120,
		Usage:   `The allowed requests per minute per client.`,
	})

	return set
}
