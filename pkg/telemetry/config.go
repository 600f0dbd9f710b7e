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

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/abcxyz/pkg/cfgloader"
	"github.com/abcxyz/pkg/cli"
	"github.com/sethvargo/go-envconfig"
)

// Config holds the telemetry client settings.
type Config struct {
	// APIURL is the primary ingestion endpoint.
	APIURL string `env:"TELEMETRY_API_URL,default=http://127.0.0.1:8765"`

	// APIToken is sent as a bearer token when non-empty.
	APIToken string `env:"TELEMETRY_API_AUTH_TOKEN"`

	// BaseDir anchors the local state layout. Defaults to ~/.runtel.
	BaseDir string `env:"TELEMETRY_BASE_DIR"`

	// NDJSONDir overrides the spool directory. Defaults to {base}/raw.
	NDJSONDir string `env:"TELEMETRY_NDJSON_DIR"`

	// SheetsAPIURL and SheetsAPIEnabled configure the optional secondary
	// sink. Both are required to turn it on.
	SheetsAPIURL     string `env:"GOOGLE_SHEETS_API_URL"`
	SheetsAPIEnabled bool   `env:"GOOGLE_SHEETS_API_ENABLED,default=false"`

	// SyncEnabled runs the background spool drain.
	SyncEnabled bool `env:"TELEMETRY_SYNC_ENABLED,default=true"`

	// SyncInterval is the pause between drain passes.
	SyncInterval time.Duration `env:"TELEMETRY_SYNC_INTERVAL,default=60s"`
}

// NewConfig reads the client configuration from the environment.
func NewConfig(ctx context.Context) (*Config, error) {
	return newConfig(ctx, envconfig.OsLookuper())
}

func newConfig(ctx context.Context, lu envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := cfgloader.Load(ctx, &cfg, cfgloader.WithLookuper(lu)); err != nil {
		return nil, fmt.Errorf("failed to parse telemetry client config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings that cannot be defaulted away.
func (cfg *Config) Validate() error {
	var merr error

	u, err := url.Parse(cfg.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		merr = errors.Join(merr, fmt.Errorf("TELEMETRY_API_URL must be an absolute URL, got %q", cfg.APIURL))
	}
	if cfg.SyncInterval <= 0 {
		merr = errors.Join(merr, fmt.Errorf("TELEMETRY_SYNC_INTERVAL must be positive, got %s", cfg.SyncInterval))
	}

	return merr
}

// SpoolDir resolves the spool directory from the overrides and defaults.
func (cfg *Config) SpoolDir() (string, error) {
	if cfg.NDJSONDir != "" {
		return cfg.NDJSONDir, nil
	}
	base := cfg.BaseDir
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		base = filepath.Join(home, ".runtel")
	}
	return filepath.Join(base, "raw"), nil
}

// ToFlags binds the client configuration to command line flags.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("TELEMETRY CLIENT OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "api-url",
		Target:  &cfg.APIURL,
		EnvVar:  "TELEMETRY_API_URL",
		Default: "http://127.0.0.1:8765",
		Usage:   "The primary ingestion endpoint.",
	})

	f.StringVar(&cli.StringVar{
		Name:   "api-token",
		Target: &cfg.APIToken,
		EnvVar: "TELEMETRY_API_AUTH_TOKEN",
		Usage:  "Bearer token sent with every request.",
	})

	f.StringVar(&cli.StringVar{
		Name:   "base-dir",
		Target: &cfg.BaseDir,
		EnvVar: "TELEMETRY_BASE_DIR",
		Usage:  "Base directory for local telemetry state.",
	})

	f.StringVar(&cli.StringVar{
		Name:   "ndjson-dir",
		Target: &cfg.NDJSONDir,
		EnvVar: "TELEMETRY_NDJSON_DIR",
		Usage:  "Spool directory, overriding {base}/raw.",
	})

	f.StringVar(&cli.StringVar{
		Name:   "sheets-api-url",
		Target: &cfg.SheetsAPIURL,
		EnvVar: "GOOGLE_SHEETS_API_URL",
		Usage:  "Optional secondary sink endpoint.",
	})

	f.BoolVar(&cli.BoolVar{
		Name:    "sheets-api-enabled",
		Target:  &cfg.SheetsAPIEnabled,
		EnvVar:  "GOOGLE_SHEETS_API_ENABLED",
		Default: false,
		Usage:   "Deliver run payloads to the secondary sink.",
	})

	f.BoolVar(&cli.BoolVar{
		Name:    "sync-enabled",
		Target:  &cfg.SyncEnabled,
		EnvVar:  "TELEMETRY_SYNC_ENABLED",
		Default: true,
		Usage:   "Run the background spool drain.",
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "sync-interval",
		Target:  &cfg.SyncInterval,
		EnvVar:  "TELEMETRY_SYNC_INTERVAL",
		Default: 60 * time.Second,
		Usage:   "Pause between spool drain passes.",
	})

	return set
}
