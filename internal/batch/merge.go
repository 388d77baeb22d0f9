// Package batch implements the batch record merge algorithm: applying one
// machine's measurement set to the correct shard of a sharded batch record
// without double-counting.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tubeworks/inspectd/internal/measure"
	"github.com/tubeworks/inspectd/internal/store"
)

// ErrConfig marks a sampling plan that cannot shard: zero batch size or
// lot quantity. Non-retryable - this is a planning data problem, not a
// transient failure.
var ErrConfig = errors.New("sampling config has zero batch size or lot quantity")

// Adapter is the slice of the store the merge needs. *store.Store
// satisfies it; tests substitute failing fakes.
type Adapter interface {
	FetchEligibleShard(ctx context.Context, loadIndex string, shardNo, sampleSize int) (*store.ShardRecord, error)
	CommitShardUpdate(ctx context.Context, key store.ShardKey, up store.ShardUpdate) error
}

// Result reports where a merge landed.
type Result struct {
	// Matched is false when every shard for the load is already fully
	// sampled. That is a reported non-match, not an error.
	Matched bool

	// Key and MeasureCount describe the committed update when Matched.
	Key          store.ShardKey
	MeasureCount int
}

// Merge locates the first shard still accepting measurements (ascending
// shard order, first-fit: earlier shards are deliberately preferred so
// shards fill in order) and commits one update against it:
//
//   - measure_count incremented by exactly one
//   - per-dimension min/max seeded on the zero sentinel, narrowed otherwise
//   - operator appended to the inspector set if not already present
//   - remarks written sparsely (absent values never overwrite)
//   - completion flag set
//
// Any adapter error is returned wrapped and retryable in the sense that
// nothing in memory was mutated; the file stays eligible for reprocessing
// on its next filesystem event.
func Merge(ctx context.Context, a Adapter, loadIndex string, cfg measure.SamplingConfig, m measure.Measurement) (Result, error) {
	shardCount := cfg.ShardCount()
	if shardCount <= 0 {
		return Result{}, fmt.Errorf("load %s: %w", loadIndex, ErrConfig)
	}

	for shardNo := 1; shardNo <= shardCount; shardNo++ {
		rec, err := a.FetchEligibleShard(ctx, loadIndex, shardNo, cfg.SampleSize)
		if err != nil {
			return Result{}, fmt.Errorf("merge into load %s: %w", loadIndex, err)
		}
		if rec == nil {
			continue
		}

		up := buildUpdate(rec, m)
		if err := a.CommitShardUpdate(ctx, rec.Key, up); err != nil {
			return Result{}, fmt.Errorf("merge into load %s: %w", loadIndex, err)
		}

		return Result{Matched: true, Key: rec.Key, MeasureCount: up.MeasureCount}, nil
	}

	return Result{}, nil
}

// buildUpdate derives the field-update descriptor for one measurement
// against a fetched shard.
func buildUpdate(rec *store.ShardRecord, m measure.Measurement) store.ShardUpdate {
	up := store.ShardUpdate{
		MeasureCount: rec.MeasureCount + 1,
		RemA:         m.RemA,
		RemB:         m.RemB,
		Attrib:       m.Attrib,
		Complete:     true,
	}

	for i, value := range m.Values {
		dim := measure.DimLabel(i)
		if dim == "" {
			break
		}
		existing := rec.Bounds[dim]
		up.Bounds = append(up.Bounds, store.DimBound{
			Dim: dim,
			Min: mergeBound(existing.Min, value, false),
			Max: mergeBound(existing.Max, value, true),
		})
	}

	if joined, changed := appendInspector(rec.Inspectors, m.Operator); changed {
		up.Inspectors = &joined
	}

	return up
}

// mergeBound applies the seed-or-narrow rule for one bound. A stored zero
// is the "unset" sentinel: the new value seeds it. Otherwise min keeps the
// smaller and max the larger value; reapplying the same value never widens
// the pair further.
func mergeBound(existing, value float64, wantMax bool) float64 {
	if existing == 0 {
		return value
	}
	if wantMax == (value > existing) {
		return value
	}
	return existing
}

// appendInspector adds operator to the comma-joined inspector set.
// Returns the joined set and whether it changed; an unchanged set keeps
// the update sparse.
func appendInspector(existing, operator string) (string, bool) {
	if operator == "" {
		return existing, false
	}

	var inspectors []string
	for _, name := range strings.Split(existing, ",") {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			inspectors = append(inspectors, trimmed)
			if trimmed == operator {
				return existing, false
			}
		}
	}

	inspectors = append(inspectors, operator)
	return strings.Join(inspectors, ", "), true
}
