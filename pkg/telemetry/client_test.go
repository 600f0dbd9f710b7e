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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/pointer"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/runtelhq/runtel/pkg/buffer"
	"github.com/runtelhq/runtel/pkg/transport"
)

type fakeTransport struct {
	mu       sync.Mutex
	calls    []string
	payloads []map[string]any
	errs     map[string]error
}

func (f *fakeTransport) record(kind, eventID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	m := map[string]any{}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	f.calls = append(f.calls, kind)
	f.payloads = append(f.payloads, m)
	if err, ok := f.errs[kind]; ok {
		return err
	}
	return nil
}

func (f *fakeTransport) CreateRun(ctx context.Context, payload any) (*transport.CreateResult, error) {
	if err := f.record("create", "", payload); err != nil {
		return nil, err
	}
	return &transport.CreateResult{Status: "created"}, nil
}

func (f *fakeTransport) UpdateRun(ctx context.Context, eventID string, payload any) error {
	return f.record("update", eventID, payload)
}

func (f *fakeTransport) AssociateCommit(ctx context.Context, eventID string, payload any) error {
	return f.record("associate", eventID, payload)
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

func (f *fakeTransport) Payloads() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any{}, f.payloads...)
}

func testContext(tb testing.TB) context.Context {
	tb.Helper()
	return logging.WithLogger(context.Background(), logging.TestLogger(tb))
}

func testClient(tb testing.TB, ft *fakeTransport) (*Client, *clockwork.FakeClock) {
	tb.Helper()

	ctx := testContext(tb)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	buf, err := buffer.New(&buffer.Config{Dir: tb.TempDir(), Clock: clock})
	if err != nil {
		tb.Fatal(err)
	}

	cfg := &Config{
		APIURL:       "http://127.0.0.1:8765",
		SyncEnabled:  false,
		SyncInterval: time.Minute,
	}
	client, err := New(ctx, cfg, &ClientOptions{
		TransportOverride: ft,
		BufferOverride:    buf,
		Clock:             clock,
	})
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := client.Close(ctx); err != nil {
			tb.Error(err)
		}
	})
	return client, clock
}

func spoolEntries(tb testing.TB, c *Client) []*buffer.Entry {
	tb.Helper()

	files, err := c.buf.Files()
	if err != nil {
		tb.Fatal(err)
	}
	var entries []*buffer.Entry
	for _, f := range files {
		lines, err := buffer.ReadLines(f)
		if err != nil {
			tb.Fatal(err)
		}
		for _, l := range lines {
			if l.Entry == nil {
				tb.Fatalf("unparseable spool line: %s", string(l.Raw))
			}
			entries = append(entries, l.Entry)
		}
	}
	return entries
}

func decodePayload(tb testing.TB, e *buffer.Entry) map[string]any {
	tb.Helper()

	m := map[string]any{}
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		tb.Fatal(err)
	}
	return m
}

func TestStartRun(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	client, _ := testClient(t, ft)
	ctx := testContext(t)

	ref, err := client.StartRun(ctx, "price-scraper", "scrape", &StartOptions{
		RunID:       "price-scraper-20250601-120000",
		Product:     "pricing",
		Environment: "prod",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ref.EventID == "" {
		t.Error("expected a generated event id")
	}
	if got, want := ref.RunID, "price-scraper-20250601-120000"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}

	payloads := ft.Payloads()
	if got, want := len(payloads), 1; got != want {
		t.Fatalf("expected %d calls, got %d", want, got)
	}
	sent := payloads[0]
	if got, want := sent["agent_name"], "price-scraper"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := sent["status"], "running"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := sent["start_time"], "2025-06-01T12:00:00Z"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := sent["product"], "pricing"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if _, ok := sent["api_posted"]; ok {
		t.Error("primary payload must not carry delivery stamps")
	}

	entries := spoolEntries(t, client)
	if got, want := len(entries), 1; got != want {
		t.Fatalf("expected %d spool entries, got %d", want, got)
	}
	if got, want := entries[0].Op, buffer.OpRunCreate; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := entries[0].EventID, ref.EventID; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	spooled := decodePayload(t, entries[0])
	if got, want := spooled["api_posted"], true; got != want {
		t.Errorf("expected %v to be %v", got, want)
	}
	if got, want := spooled["api_posted_at"], "2025-06-01T12:00:00Z"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
}

func TestStartRun_GeneratesRunID(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	client, _ := testClient(t, ft)
	ctx := testContext(t)

	ref, err := client.StartRun(ctx, "price-scraper", "scrape", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ref.RunID, "20250601T120000Z-price-scraper-") {
		t.Errorf("expected generated run id, got %q", ref.RunID)
	}
}

func TestStartRun_InvalidInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		agentName string
		jobType   string
		opts      *StartOptions
		wantErr   string
	}{
		{
			name:    "missing_agent",
			jobType: "scrape",
			wantErr: "agent name is required",
		},
		{
			name:      "missing_job_type",
			agentName: "price-scraper",
			wantErr:   "job type is required",
		},
		{
			name:      "bad_run_id",
			agentName: "price-scraper",
			jobType:   "scrape",
			opts:      &StartOptions{RunID: "scrape/2025"},
			wantErr:   "path separator",
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ft := &fakeTransport{}
			client, _ := testClient(t, ft)
			ctx := testContext(t)

			_, err := client.StartRun(ctx, tc.agentName, tc.jobType, tc.opts)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected %q to contain %q", err.Error(), tc.wantErr)
			}
			if got, want := len(ft.Calls()), 0; got != want {
				t.Errorf("expected %d calls, got %d", want, got)
			}
		})
	}
}

func TestStartRun_DuplicateActiveRunID(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	client, _ := testClient(t, ft)
	ctx := testContext(t)

	if _, err := client.StartRun(ctx, "price-scraper", "scrape", &StartOptions{RunID: "run-1"}); err != nil {
		t.Fatal(err)
	}
	_, err := client.StartRun(ctx, "price-scraper", "scrape", &StartOptions{RunID: "run-1"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "already active") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStartRun_SpoolsOnTransportFailure(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{errs: map[string]error{
		"create": fmt.Errorf("%w: connection refused", transport.ErrUnavailable),
	}}
	client, _ := testClient(t, ft)
	ctx := testContext(t)

	ref, err := client.StartRun(ctx, "price-scraper", "scrape", nil)
	if err != nil {
		t.Fatal(err)
	}

	entries := spoolEntries(t, client)
	if got, want := len(entries), 1; got != want {
		t.Fatalf("expected %d spool entries, got %d", want, got)
	}
	spooled := decodePayload(t, entries[0])
	if got, want := spooled["api_posted"], false; got != want {
		t.Errorf("expected %v to be %v", got, want)
	}
	if _, ok := spooled["api_posted_at"]; ok {
		t.Error("unposted entry must not carry a posted timestamp")
	}
	if got, want := spooled["event_id"], ref.EventID; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
}

func TestLogEvent(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	client, clock := testClient(t, ft)
	ctx := testContext(t)

	ref, err := client.StartRun(ctx, "price-scraper", "scrape", &StartOptions{RunID: "run-1"})
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(30 * time.Second)

	if err := client.LogEvent(ctx, "run-1", "page_fetched", map[string]any{"page": 3}); err != nil {
		t.Fatal(err)
	}

	entries := spoolEntries(t, client)
	if got, want := len(entries), 2; got != want {
		t.Fatalf("expected %d spool entries, got %d", want, got)
	}
	evt := entries[1]
	if got, want := evt.RecordType, buffer.RecordEvent; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := evt.EventID, ref.EventID; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	payload := decodePayload(t, evt)
	want := map[string]any{
		"run_id":       "run-1",
		"event_type":   "page_fetched",
		"timestamp":    "2025-06-01T12:00:30Z",
		"payload_json": `{"page":3}`,
	}
	if diff := cmp.Diff(want, payload); diff != "" {
		t.Errorf("event payload mismatch (-want, +got):\n%s", diff)
	}

	// Events never reach the service.
	if got, want := len(ft.Calls()), 1; got != want {
		t.Errorf("expected %d calls, got %d", want, got)
	}
}

func TestLogEvent_UnknownRun(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	client, _ := testClient(t, ft)
	ctx := testContext(t)

	err := client.LogEvent(ctx, "nope", "page_fetched", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "unknown run id") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEndRun(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	client, clock := testClient(t, ft)
	ctx := testContext(t)

	ref, err := client.StartRun(ctx, "price-scraper", "scrape", &StartOptions{RunID: "run-1"})
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(90 * time.Second)

	if err := client.EndRun(ctx, "run-1", "completed", &EndOptions{
		ItemsDiscovered: 10,
		ItemsSucceeded:  9,
		ItemsFailed:     1,
		OutputSummary:   "scraped 9 pages",
	}); err != nil {
		t.Fatal(err)
	}

	payloads := ft.Payloads()
	if got, want := len(payloads), 2; got != want {
		t.Fatalf("expected %d calls, got %d", want, got)
	}
	sent := payloads[1]
	if got, want := sent["status"], "success"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := sent["end_time"], "2025-06-01T12:01:30Z"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := sent["duration_ms"], float64(90_000); got != want {
		t.Errorf("expected %v to be %v", got, want)
	}
	if got, want := sent["items_succeeded"], float64(9); got != want {
		t.Errorf("expected %v to be %v", got, want)
	}

	entries := spoolEntries(t, client)
	if got, want := len(entries), 2; got != want {
		t.Fatalf("expected %d spool entries, got %d", want, got)
	}
	if got, want := entries[1].Op, buffer.OpRunUpdate; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := entries[1].EventID, ref.EventID; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}

	// The run is no longer active.
	if err := client.EndRun(ctx, "run-1", "success", nil); err == nil {
		t.Error("expected ending a finished run to fail")
	}
}

func TestEndRun_ExplicitDuration(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	client, clock := testClient(t, ft)
	ctx := testContext(t)

	if _, err := client.StartRun(ctx, "price-scraper", "scrape", &StartOptions{RunID: "run-1"}); err != nil {
		t.Fatal(err)
	}
	if err := client.EndRun(ctx, "run-1", "success", &EndOptions{DurationMS: pointer.To(int64(1234))}); err != nil {
		t.Fatal(err)
	}

	sent := ft.Payloads()[1]
	if got, want := sent["duration_ms"], float64(1234); got != want {
		t.Errorf("expected %v to be %v", got, want)
	}

	// An explicit zero is a measurement, not an absence: elapsed time must
	// not overwrite it.
	if _, err := client.StartRun(ctx, "price-scraper", "scrape", &StartOptions{RunID: "run-2"}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(90 * time.Second)
	if err := client.EndRun(ctx, "run-2", "success", &EndOptions{DurationMS: pointer.To(int64(0))}); err != nil {
		t.Fatal(err)
	}

	sent = ft.Payloads()[3]
	if got, want := sent["duration_ms"], float64(0); got != want {
		t.Errorf("expected %v to be %v", got, want)
	}
}

func TestEndRun_InvalidStatus(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	client, _ := testClient(t, ft)
	ctx := testContext(t)

	if _, err := client.StartRun(ctx, "price-scraper", "scrape", &StartOptions{RunID: "run-1"}); err != nil {
		t.Fatal(err)
	}
	if err := client.EndRun(ctx, "run-1", "exploded", nil); err == nil {
		t.Fatal("expected an error")
	}

	// The run stays active after a rejected status.
	if err := client.EndRun(ctx, "run-1", "failure", nil); err != nil {
		t.Fatal(err)
	}
}

func TestTrackRun_Success(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	client, _ := testClient(t, ft)
	ctx := testContext(t)

	var gotRef *RunRef
	err := client.TrackRun(ctx, "price-scraper", "scrape", nil, func(ctx context.Context, ref *RunRef) error {
		gotRef = ref
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotRef == nil || gotRef.EventID == "" {
		t.Fatal("expected the callback to receive a run ref")
	}

	if diff := cmp.Diff([]string{"create", "update"}, ft.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want, +got):\n%s", diff)
	}
	sent := ft.Payloads()[1]
	if got, want := sent["status"], "success"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
}

func TestTrackRun_Error(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	client, _ := testClient(t, ft)
	ctx := testContext(t)

	wantErr := fmt.Errorf("no pages found")
	err := client.TrackRun(ctx, "price-scraper", "scrape", nil, func(ctx context.Context, ref *RunRef) error {
		return wantErr
	})
	if err == nil || err.Error() != "no pages found" {
		t.Fatalf("expected the callback error back, got %v", err)
	}

	sent := ft.Payloads()[1]
	if got, want := sent["status"], "failure"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := sent["error_summary"], "no pages found"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
}

func TestTrackRun_Panic(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	client, _ := testClient(t, ft)
	ctx := testContext(t)

	func() {
		defer func() {
			if p := recover(); p == nil {
				t.Error("expected the panic to propagate")
			}
		}()
		_ = client.TrackRun(ctx, "price-scraper", "scrape", nil, func(ctx context.Context, ref *RunRef) error {
			panic("boom")
		})
	}()

	sent := ft.Payloads()[1]
	if got, want := sent["status"], "failure"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := sent["error_summary"], "panic: boom"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
}

func TestAssociateCommit(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	client, _ := testClient(t, ft)
	ctx := testContext(t)

	ref, err := client.StartRun(ctx, "price-scraper", "scrape", &StartOptions{RunID: "run-1"})
	if err != nil {
		t.Fatal(err)
	}

	if err := client.AssociateCommit(ctx, "run-1", "abc1234", "llm", &CommitOptions{
		Author: "dev@example.com",
	}); err != nil {
		t.Fatal(err)
	}

	sent := ft.Payloads()[1]
	want := map[string]any{
		"commit_hash":   "abc1234",
		"commit_source": "llm",
		"commit_author": "dev@example.com",
	}
	if diff := cmp.Diff(want, sent); diff != "" {
		t.Errorf("payload mismatch (-want, +got):\n%s", diff)
	}

	// Commit associations are spooled verbatim, without delivery stamps.
	entries := spoolEntries(t, client)
	if got, want := entries[1].Op, buffer.OpCommitAssociate; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := entries[1].EventID, ref.EventID; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	spooled := decodePayload(t, entries[1])
	if _, ok := spooled["api_posted"]; ok {
		t.Error("commit association must not carry delivery stamps")
	}
}

func TestAssociateCommit_InvalidInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		hash    string
		source  string
		wantErr string
	}{
		{
			name:    "bad_hash",
			hash:    "xyz",
			source:  "manual",
			wantErr: "invalid commit hash",
		},
		{
			name:    "bad_source",
			hash:    "abc1234",
			source:  "robot",
			wantErr: "invalid commit source",
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ft := &fakeTransport{}
			client, _ := testClient(t, ft)
			ctx := testContext(t)

			if _, err := client.StartRun(ctx, "price-scraper", "scrape", &StartOptions{RunID: "run-1"}); err != nil {
				t.Fatal(err)
			}
			err := client.AssociateCommit(ctx, "run-1", tc.hash, tc.source, nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected %q to contain %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestSyncOnce(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{errs: map[string]error{
		"create": fmt.Errorf("%w: connection refused", transport.ErrUnavailable),
	}}
	client, _ := testClient(t, ft)
	ctx := testContext(t)

	if _, err := client.StartRun(ctx, "price-scraper", "scrape", &StartOptions{RunID: "run-1"}); err != nil {
		t.Fatal(err)
	}

	// Service heals, the queued create replays.
	ft.mu.Lock()
	ft.errs = nil
	ft.mu.Unlock()

	stats, err := client.SyncOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := stats.Replayed, 1; got != want {
		t.Errorf("expected %d to be %d", got, want)
	}
	if got, want := stats.Remaining, 0; got != want {
		t.Errorf("expected %d to be %d", got, want)
	}

	entries := spoolEntries(t, client)
	if got, want := len(entries), 0; got != want {
		t.Errorf("expected %d spool entries, got %d", want, got)
	}
}
