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
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	// limiterIdleAfter is how long an identity can go unseen before its
	// bucket is dropped. An idle bucket refills completely within a
	// minute, so dropping one never grants extra allowance.
	limiterIdleAfter  = 3 * time.Minute
	limiterSweepEvery = time.Minute
)

// rateLimiter tracks one token bucket per client identity. The bucket
// refills at rpm/60 per second and bursts to a full minute's allowance.
// Idle identities are swept so the map stays bounded by recent clients.
type rateLimiter struct {
	rpm   int
	clock clockwork.Clock

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(rpm int, clock clockwork.Clock) *rateLimiter {
	return &rateLimiter{
		rpm:       rpm,
		clock:     clock,
		clients:   make(map[string]*clientLimiter),
		lastSweep: clock.Now(),
	}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Sub(l.lastSweep) >= limiterSweepEvery {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) >= limiterIdleAfter {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[key]
	if !ok {
		c = &clientLimiter{lim: rate.NewLimiter(rate.Limit(l.rpm)/60, l.rpm)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.lim.Allow()
}

// bearerToken extracts the token from the Authorization header, or returns
// an empty string.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return token
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticate enforces the bearer token on the API routes when enabled.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			s.metrics.authRejected.Inc()
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.renderDetail(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit rejects clients over their per-minute allowance. Identity is
// the bearer token when present, the client address otherwise.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := bearerToken(r)
		if key == "" {
			key = clientIP(r)
		}
		if !s.limiter.allow(key) {
			s.metrics.rateLimited.Inc()
			w.Header().Set("Retry-After", "60")
			w.Header().Set("X-RateLimit-Remaining", "0")
			s.renderDetail(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records the request counter and duration histogram, labeled by
// the matched route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		s.metrics.requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
