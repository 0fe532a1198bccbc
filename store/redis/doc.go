// Package redis implements store.Store on Redis with go-redis/v9.
//
// Items are Hashes indexed by per-queue Sorted Sets: pending items scored
// by enqueue time, leased items scored by lease expiry, and terminal items
// scored by finish time. Every state transition runs as a Lua script, so
// claims and lease operations are atomic, and expiry is evaluated against
// the Redis server clock (TIME).
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
//
// The key prefix is a hash tag ("{taskhost}:" by default), so every key of
// one store maps to a single Redis Cluster slot. The store runs unchanged
// on standalone, Sentinel and Cluster deployments; on Cluster its data sits
// on one shard.
package redis
