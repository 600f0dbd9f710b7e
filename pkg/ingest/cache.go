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
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// metadataTTL is how long a distinct agents/job types snapshot stays fresh.
const metadataTTL = 5 * time.Minute

type metadataLister interface {
	ListDistinctAgents(ctx context.Context) ([]string, error)
	ListDistinctJobTypes(ctx context.Context) ([]string, error)
}

// Metadata is the distinct-value snapshot served by the metadata endpoint.
type Metadata struct {
	Agents   []string `json:"agents"`
	JobTypes []string `json:"job_types"`
}

// metadataCache holds one TTL-bounded snapshot. A refill runs at most once
// at a time; concurrent callers on an expired snapshot await the same
// refill instead of issuing duplicate queries.
type metadataCache struct {
	lister metadataLister
	clock  clockwork.Clock
	ttl    time.Duration

	group singleflight.Group

	mu       sync.Mutex
	snapshot *Metadata
	expires  time.Time
	gen      uint64
}

func newMetadataCache(lister metadataLister, clock clockwork.Clock) *metadataCache {
	return &metadataCache{
		lister: lister,
		clock:  clock,
		ttl:    metadataTTL,
	}
}

// Lookup returns the snapshot and whether it was served from cache.
func (c *metadataCache) Lookup(ctx context.Context) (*Metadata, bool, error) {
	c.mu.Lock()
	if c.snapshot != nil && c.clock.Now().Before(c.expires) {
		snap := c.snapshot
		c.mu.Unlock()
		return snap, true, nil
	}
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.group.Do("metadata", func() (any, error) {
		return c.refill(ctx, gen)
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Metadata), false, nil
}

// Invalidate drops the snapshot so the next lookup recomputes it. Bumping
// the generation also voids any refill still in flight.
func (c *metadataCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = nil
	c.gen++
}

func (c *metadataCache) refill(ctx context.Context, gen uint64) (*Metadata, error) {
	var agents, jobTypes []string

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		agents, err = c.lister.ListDistinctAgents(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		jobTypes, err = c.lister.ListDistinctJobTypes(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &Metadata{Agents: agents, JobTypes: jobTypes}

	c.mu.Lock()
	// An invalidation that raced the queries makes this snapshot stale;
	// installing it would hide the write for a full TTL.
	if c.gen == gen {
		c.snapshot = snap
		c.expires = c.clock.Now().Add(c.ttl)
	}
	c.mu.Unlock()

	return snap, nil
}
