// Package cache holds the most recently observed snapshot per instrument.
//
// Last-write-wins, no TTL: absence means "never observed", not "expired".
// Stale-but-present beats flapping between present and absent, since
// downstream sessions re-receive the current snapshot every broadcast tick.
package cache

import (
	"sync"
	"sync/atomic"

	"github.com/hanati/nextfeed/internal/model"
)

// InstrumentCache is a concurrent snapshot map keyed by
// (venue, instrument, stream kind). Readers never block writers.
type InstrumentCache struct {
	entries sync.Map // model.InstrumentKey -> model.Snapshot
	size    atomic.Int64
}

// New creates an empty cache.
func New() *InstrumentCache {
	return &InstrumentCache{}
}

// Put stores the snapshot under its key, replacing any previous snapshot.
func (c *InstrumentCache) Put(s model.Snapshot) {
	if _, loaded := c.entries.Swap(s.Key(), s); !loaded {
		c.size.Add(1)
	}
}

// Get returns the latest snapshot for the key, if one was ever observed.
func (c *InstrumentCache) Get(key model.InstrumentKey) (model.Snapshot, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return model.Snapshot{}, false
	}
	return v.(model.Snapshot), true
}

// Len returns the number of distinct instruments observed.
func (c *InstrumentCache) Len() int {
	return int(c.size.Load())
}
