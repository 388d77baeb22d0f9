package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tubeworks/inspectd/internal/measure"
)

// LookupLoadIndex resolves a machine id to its current load index.
// Returns ok=false (no error) when the machine is unknown - a lookup miss
// is a normal skip condition, not a store failure.
//
// Results, including misses, are cached for the store's cache TTL: the
// legacy planning tables change on the order of shifts, not seconds.
func (s *Store) LookupLoadIndex(ctx context.Context, machineID string) (string, bool, error) {
	if entry, ok := s.lookup.getLoad(machineID); ok {
		return entry.loadIndex, entry.found, nil
	}

	var loadIndex string
	err := s.db.QueryRowContext(ctx,
		"SELECT load_index FROM machines WHERE machine_id = ?", machineID,
	).Scan(&loadIndex)
	if errors.Is(err, sql.ErrNoRows) {
		s.lookup.putLoad(machineID, loadEntry{})
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup load index for machine %s: %w", machineID, err)
	}

	s.lookup.putLoad(machineID, loadEntry{loadIndex: loadIndex, found: true})
	return loadIndex, true, nil
}

// LookupSamplingConfig resolves a load index to its sampling plan.
// Returns ok=false (no error) when no plan exists for the load.
func (s *Store) LookupSamplingConfig(ctx context.Context, loadIndex string) (measure.SamplingConfig, bool, error) {
	if entry, ok := s.lookup.getPlan(loadIndex); ok {
		return entry.cfg, entry.found, nil
	}

	var cfg measure.SamplingConfig
	err := s.db.QueryRowContext(ctx,
		"SELECT sample_size, batch_size, lot_qty FROM load_plans WHERE load_index = ?", loadIndex,
	).Scan(&cfg.SampleSize, &cfg.BatchSize, &cfg.LotQty)
	if errors.Is(err, sql.ErrNoRows) {
		s.lookup.putPlan(loadIndex, planEntry{})
		return measure.SamplingConfig{}, false, nil
	}
	if err != nil {
		return measure.SamplingConfig{}, false, fmt.Errorf("lookup sampling config for load %s: %w", loadIndex, err)
	}

	s.lookup.putPlan(loadIndex, planEntry{cfg: cfg, found: true})
	return cfg, true, nil
}

// InvalidateLookups drops all cached lookup results, forcing the next
// lookups to hit the database.
func (s *Store) InvalidateLookups() {
	s.lookup.clear()
}

type loadEntry struct {
	loadIndex string
	found     bool
}

type planEntry struct {
	cfg   measure.SamplingConfig
	found bool
}

// lookupCache is a TTL cache for the two planning lookups. Both lookups
// sit on the hot path of every processed file while their backing tables
// change rarely, so even a short TTL removes almost all query traffic.
type lookupCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	loads map[string]cached[loadEntry]
	plans map[string]cached[planEntry]
}

type cached[T any] struct {
	value   T
	expires time.Time
}

func newLookupCache(ttl time.Duration) *lookupCache {
	return &lookupCache{
		ttl:   ttl,
		loads: make(map[string]cached[loadEntry]),
		plans: make(map[string]cached[planEntry]),
	}
}

func (c *lookupCache) getLoad(key string) (loadEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.loads[key]
	if !ok || time.Now().After(entry.expires) {
		return loadEntry{}, false
	}
	return entry.value, true
}

func (c *lookupCache) putLoad(key string, value loadEntry) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads[key] = cached[loadEntry]{value: value, expires: time.Now().Add(c.ttl)}
}

func (c *lookupCache) getPlan(key string) (planEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.plans[key]
	if !ok || time.Now().After(entry.expires) {
		return planEntry{}, false
	}
	return entry.value, true
}

func (c *lookupCache) putPlan(key string, value planEntry) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[key] = cached[planEntry]{value: value, expires: time.Now().Add(c.ttl)}
}

func (c *lookupCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads = make(map[string]cached[loadEntry])
	c.plans = make(map[string]cached[planEntry])
}
