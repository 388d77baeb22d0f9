// Package store is the batch record store adapter.
//
// It owns the SQLite database holding the legacy planning tables
// (machines, load_plans) and the sharded batch records (batch_shards,
// shard_bounds). The rest of the daemon never issues raw queries; it calls
// the adapter operations and treats each as fallible and individually
// atomic:
//
//   - LookupLoadIndex(machineID) -> load index | absent
//   - LookupSamplingConfig(loadIndex) -> sampling plan | absent
//   - FetchEligibleShard(loadIndex, shardNo, sampleSize) -> shard | absent
//   - CommitShardUpdate(key, update) -> error
//
// The two lookups carry a TTL cache; shard fetch/commit always hit the
// database.
package store
