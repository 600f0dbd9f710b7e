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

package cli

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/testutil"
	"github.com/sethvargo/go-envconfig"

	"github.com/runtelhq/runtel/pkg/lock"
)

func TestServerCommand(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))

	cases := []struct {
		name   string
		args   []string
		env    map[string]string
		expErr string
	}{
		{
			name:   "too_many_args",
			args:   []string{"foo"},
			expErr: `unexpected arguments: ["foo"]`,
		},
		{
			name: "invalid_config_workers",
			env: map[string]string{
				"TELEMETRY_API_WORKERS": "4",
			},
			expErr: `TELEMETRY_API_WORKERS must be 1`,
		},
		{
			name: "invalid_config_busy_timeout",
			env: map[string]string{
				"TELEMETRY_DB_BUSY_TIMEOUT_MS": "0",
			},
			expErr: `TELEMETRY_DB_BUSY_TIMEOUT_MS must be positive`,
		},
		{
			name: "invalid_config_auth_token",
			env: map[string]string{
				"TELEMETRY_API_AUTH_ENABLED": "true",
			},
			expErr: `TELEMETRY_API_AUTH_TOKEN is required`,
		},
		{
			name: "happy_path",
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx, done := context.WithCancel(ctx)
			defer done()

			var cmd ServerCommand
			cmd.testFlagSetOpts = []cli.Option{cli.WithLookupEnv(envconfig.MultiLookuper(
				envconfig.MapLookuper(tc.env),
				envconfig.MapLookuper(map[string]string{
					// Make the test choose a random loopback port and keep the
					// store inside the test directory.
					"TELEMETRY_API_HOST": "127.0.0.1",
					"TELEMETRY_API_PORT": "0",
					"TELEMETRY_DB_PATH":  filepath.Join(t.TempDir(), "telemetry.sqlite"),
				}),
			).Lookup)}

			_, _, _ = cmd.Pipe()

			srv, mux, err := cmd.RunUnstarted(ctx, tc.args)
			if diff := testutil.DiffErrString(err, tc.expErr); diff != "" {
				t.Fatal(diff)
			}
			if err != nil {
				return
			}
			defer cmd.cleanup(ctx)

			serverCtx, serverDone := context.WithCancel(ctx)
			defer serverDone()
			go func() {
				if err := srv.StartHTTPHandler(serverCtx, mux); err != nil {
					t.Error(err)
				}
			}()

			client := &http.Client{
				Timeout: 5 * time.Second,
			}

			for _, path := range []string{"/healthz", "/health"} {
				uri := "http://" + srv.Addr() + path
				req, err := http.NewRequestWithContext(ctx, "GET", uri, nil)
				if err != nil {
					t.Fatal(err)
				}

				resp, err := client.Do(req)
				if err != nil {
					t.Fatal(err)
				}

				b, err := io.ReadAll(resp.Body)
				resp.Body.Close()
				if err != nil {
					t.Fatal(err)
				}

				if got, want := resp.StatusCode, http.StatusOK; got != want {
					t.Errorf("expected status code %d to be %d: %s", got, want, string(b))
				}
				if path == "/health" {
					if got, want := string(b), `"status":"ok"`; !strings.Contains(got, want) {
						t.Errorf("expected %q to contain %q", got, want)
					}
				}
			}
		})
	}
}

func TestServerCommand_LockHeld(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))

	dbPath := filepath.Join(t.TempDir(), "telemetry.sqlite")

	held, err := lock.Acquire(lock.PathFor(dbPath))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := held.Release(); err != nil {
			t.Error(err)
		}
	})

	var cmd ServerCommand
	cmd.testFlagSetOpts = []cli.Option{cli.WithLookupEnv(envconfig.MapLookuper(map[string]string{
		"TELEMETRY_API_HOST": "127.0.0.1",
		"TELEMETRY_API_PORT": "0",
		"TELEMETRY_DB_PATH":  dbPath,
	}).Lookup)}
	_, _, _ = cmd.Pipe()

	_, _, err = cmd.RunUnstarted(ctx, nil)
	if diff := testutil.DiffErrString(err, "is held by another process"); diff != "" {
		t.Fatal(diff)
	}

	var heldErr *lock.HeldError
	if !errors.As(err, &heldErr) {
		t.Errorf("expected %v to be a *lock.HeldError", err)
	}
	cmd.cleanup(ctx)
}
