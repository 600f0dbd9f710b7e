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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// serverMetrics carries the Prometheus instruments for one server instance.
// Each server owns its registry so parallel test servers never collide on
// registration.
type serverMetrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	runsCreated   prometheus.Counter
	runsDuplicate prometheus.Counter
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	authRejected  prometheus.Counter
	rateLimited   prometheus.Counter
}

// newServerMetrics builds the instrument set. busyRetries reports the
// store's cumulative lock-retry count on scrape.
func newServerMetrics(busyRetries func() int64) *serverMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &serverMetrics{
		registry: reg,

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runtel_http_requests_total",
			Help: "counter of handled HTTP requests",
		}, []string{"route", "method", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runtel_http_request_duration_seconds",
			Help:    "histogram of HTTP request handling time",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),

		runsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "runtel_runs_created_total",
			Help: "counter of newly inserted run records",
		}),

		runsDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: "runtel_runs_duplicate_total",
			Help: "counter of idempotent duplicate inserts",
		}),

		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "runtel_metadata_cache_hits_total",
			Help: "counter of metadata reads served from the cache",
		}),

		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "runtel_metadata_cache_misses_total",
			Help: "counter of metadata reads that recomputed the snapshot",
		}),

		authRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "runtel_auth_rejected_total",
			Help: "counter of requests rejected by bearer-token auth",
		}),

		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "runtel_rate_limited_total",
			Help: "counter of requests rejected by the rate limiter",
		}),
	}

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "runtel_store_busy_retries_total",
		Help: "counter of store operations retried on a locked database",
	}, func() float64 {
		return float64(busyRetries())
	})

	return m
}
