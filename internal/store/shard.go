package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ShardKey identifies one batch record shard.
type ShardKey struct {
	LoadIndex string
	ShardNo   int
}

func (k ShardKey) String() string {
	return fmt.Sprintf("%s/%d", k.LoadIndex, k.ShardNo)
}

// DimBound is the running {min,max} pair for one dimension label.
// Zero values mean "unset" - the legacy sentinel, not a measurement.
type DimBound struct {
	Dim string
	Min float64
	Max float64
}

// ShardRecord is a fetched batch record shard.
type ShardRecord struct {
	Key          ShardKey
	MeasureCount int
	Bounds       map[string]DimBound
	Inspectors   string
	RemA         sql.NullString
	RemB         sql.NullString
	Attrib       sql.NullString
	Complete     bool
}

// ShardUpdate is the structured field-update descriptor committed against
// a fetched shard. Every field is part of the fixed schema; nil pointer
// fields are absent and never overwrite stored values.
type ShardUpdate struct {
	MeasureCount int
	Bounds       []DimBound
	Inspectors   *string
	RemA         *string
	RemB         *string
	Attrib       *string
	Complete     bool
}

// FetchEligibleShard returns the shard iff it still accepts measurements
// (measure_count < sampleSize). Returns (nil, nil) when the shard does not
// exist or is already fully sampled - the caller moves on to the next one.
func (s *Store) FetchEligibleShard(ctx context.Context, loadIndex string, shardNo, sampleSize int) (*ShardRecord, error) {
	rec := &ShardRecord{
		Key:    ShardKey{LoadIndex: loadIndex, ShardNo: shardNo},
		Bounds: make(map[string]DimBound),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT measure_count, inspectors, rem_a, rem_b, attrib, complete
		FROM batch_shards
		WHERE load_index = ? AND shard_no = ? AND measure_count < ?
	`, loadIndex, shardNo, sampleSize).Scan(
		&rec.MeasureCount,
		&rec.Inspectors,
		&rec.RemA,
		&rec.RemB,
		&rec.Attrib,
		&rec.Complete,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch shard %s/%d: %w", loadIndex, shardNo, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT dim, min_val, max_val
		FROM shard_bounds
		WHERE load_index = ? AND shard_no = ?
	`, loadIndex, shardNo)
	if err != nil {
		return nil, fmt.Errorf("fetch shard bounds %s/%d: %w", loadIndex, shardNo, err)
	}
	defer rows.Close()

	for rows.Next() {
		var b DimBound
		if err := rows.Scan(&b.Dim, &b.Min, &b.Max); err != nil {
			return nil, fmt.Errorf("scan shard bound %s/%d: %w", loadIndex, shardNo, err)
		}
		rec.Bounds[b.Dim] = b
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shard bounds %s/%d: %w", loadIndex, shardNo, err)
	}

	return rec, nil
}

// CommitShardUpdate applies one update descriptor to exactly one shard in
// a single transaction. Nil optional fields are passed as NULL and kept
// out of the row via COALESCE - the sparse-write contract. Bounds are
// upserted with the caller's already-merged min/max values.
func (s *Store) CommitShardUpdate(ctx context.Context, key ShardKey, up ShardUpdate) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("commit shard %s: %w", key, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE batch_shards
		SET measure_count = ?,
		    inspectors    = COALESCE(?, inspectors),
		    rem_a         = COALESCE(?, rem_a),
		    rem_b         = COALESCE(?, rem_b),
		    attrib        = COALESCE(?, attrib),
		    complete      = ?
		WHERE load_index = ? AND shard_no = ?
	`,
		up.MeasureCount,
		up.Inspectors,
		up.RemA,
		up.RemB,
		up.Attrib,
		up.Complete,
		key.LoadIndex,
		key.ShardNo,
	)
	if err != nil {
		return fmt.Errorf("commit shard %s: %w", key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit shard %s: %w", key, err)
	}
	if affected == 0 {
		return fmt.Errorf("commit shard %s: shard no longer exists", key)
	}

	for _, b := range up.Bounds {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO shard_bounds (load_index, shard_no, dim, min_val, max_val)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (load_index, shard_no, dim)
			DO UPDATE SET min_val = excluded.min_val, max_val = excluded.max_val
		`, key.LoadIndex, key.ShardNo, b.Dim, b.Min, b.Max)
		if err != nil {
			return fmt.Errorf("commit shard %s bound %s: %w", key, b.Dim, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit shard %s: %w", key, err)
	}
	return nil
}
