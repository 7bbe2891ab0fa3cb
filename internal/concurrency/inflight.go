package concurrency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Abraj743/opd-token-engine/internal/clock"
)

var ErrDuplicateOperation = errors.New("duplicate operation in flight")

const defaultInflightMaxAge = 5 * time.Minute

// Inflight tracks operation keys currently being processed so that two
// identical concurrent requests cannot both pass the first capacity check.
// Entries left behind by crashed or stuck requests are evicted by Sweep.
type Inflight struct {
	clk    clock.Clock
	maxAge time.Duration

	mu      sync.Mutex
	next    uint64
	entries map[string]inflightEntry
}

type inflightEntry struct {
	owner   uint64
	started time.Time
}

func NewInflight(clk clock.Clock, opts ...InflightOption) *Inflight {
	f := &Inflight{
		clk:     clk,
		maxAge:  defaultInflightMaxAge,
		entries: make(map[string]inflightEntry),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type InflightOption func(*Inflight)

// WithMaxAge overrides how old an entry may grow before Sweep evicts it.
func WithMaxAge(d time.Duration) InflightOption {
	return func(f *Inflight) {
		if d > 0 {
			f.maxAge = d
		}
	}
}

// Acquire registers the operation key, returning a release func. It fails
// with ErrDuplicateOperation when the key is already held.
func (f *Inflight) Acquire(ctx context.Context, key string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.entries[key]; ok {
		// A stale entry no longer protects anything; take it over.
		if f.clk.Now().Sub(e.started) < f.maxAge {
			return nil, ErrDuplicateOperation
		}
	}

	f.next++
	owner := f.next
	f.entries[key] = inflightEntry{owner: owner, started: f.clk.Now()}
	return func() {
		f.mu.Lock()
		// The key may have been taken over after going stale; only the
		// current owner may remove it.
		if e, ok := f.entries[key]; ok && e.owner == owner {
			delete(f.entries, key)
		}
		f.mu.Unlock()
	}, nil
}

// Len reports how many operations are currently registered.
func (f *Inflight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Sweep evicts entries older than the max age and reports how many were
// removed.
func (f *Inflight) Sweep() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clk.Now()
	removed := 0
	for key, e := range f.entries {
		if now.Sub(e.started) >= f.maxAge {
			delete(f.entries, key)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until the context is cancelled.
func (f *Inflight) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Sweep()
		}
	}
}
