// Package aggstore holds the bounded aggregation tables that turn per-call
// observations into accumulated per-key counters.
//
// Every table is sharded: keys hash onto a fixed set of shards, each shard
// a mutex-guarded strict-LRU map. The composite is approximately LRU: a
// shard can evict while a sibling still has room, and recency is only
// respected within a shard. This is exactly the relaxed guarantee of a
// per-CPU LRU map. Capacity must therefore be over-provisioned, never sized tightly.
//
// Counter mutation is lock-free: the shard lock covers only the
// get-or-insert of a record, after which fields are bumped with atomic
// adds. A writer that loses the insert race simply increments the winner's
// record.
package aggstore

import (
	"hash/maphash"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// table is a bounded, sharded key→record map. Records are pointers with
// atomically-updated fields so they can be mutated after insertion without
// revisiting the shard.
type table[K comparable, V any] struct {
	seed   maphash.Seed
	shards []*shard[K, V]
}

type shard[K comparable, V any] struct {
	mu  sync.Mutex
	lru *lru.LRU[K, V]
}

func newTable[K comparable, V any](capacity, shards int) *table[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	if shards <= 0 {
		shards = DefaultShards
	}

	if shards > capacity {
		shards = 1
	}

	perShard := (capacity + shards - 1) / shards

	t := &table[K, V]{
		seed:   maphash.MakeSeed(),
		shards: make([]*shard[K, V], shards),
	}

	for i := range t.shards {
		l, err := lru.NewLRU[K, V](perShard, nil)
		if err != nil {
			// NewLRU only fails on a non-positive size.
			panic(err)
		}

		t.shards[i] = &shard[K, V]{lru: l}
	}

	return t
}

func (t *table[K, V]) shardFor(key K) *shard[K, V] {
	h := maphash.Comparable(t.seed, key)

	return t.shards[h%uint64(len(t.shards))]
}

// upsert applies the create-if-absent-else-increment protocol. On a miss,
// seed() must return a record already carrying the increment so no
// zero-valued record is ever observable; on a hit, add() bumps the existing
// record with atomic adds outside the shard lock.
func (t *table[K, V]) upsert(key K, seed func() V, add func(V)) {
	sh := t.shardFor(key)

	sh.mu.Lock()

	if v, ok := sh.lru.Get(key); ok {
		sh.mu.Unlock()
		add(v)

		return
	}

	sh.lru.Add(key, seed())
	sh.mu.Unlock()
}

// get returns the record for key without creating it.
func (t *table[K, V]) get(key K) (V, bool) {
	sh := t.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	return sh.lru.Get(key)
}

// delete removes key, if present.
func (t *table[K, V]) delete(key K) {
	sh := t.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.lru.Remove(key)
}

// rangeAll visits a snapshot of every live entry. Entries are copied out
// under the shard lock and fn runs without it, so fn may delete entries.
// There is no consistency guarantee across shards, or against concurrent
// writers.
func (t *table[K, V]) rangeAll(fn func(K, V) bool) {
	type pair struct {
		k K
		v V
	}

	for _, sh := range t.shards {
		sh.mu.Lock()

		pairs := make([]pair, 0, sh.lru.Len())

		for _, k := range sh.lru.Keys() {
			if v, ok := sh.lru.Peek(k); ok {
				pairs = append(pairs, pair{k, v})
			}
		}

		sh.mu.Unlock()

		for _, p := range pairs {
			if !fn(p.k, p.v) {
				return
			}
		}
	}
}

// len returns the number of live entries across all shards.
func (t *table[K, V]) len() int {
	n := 0

	for _, sh := range t.shards {
		sh.mu.Lock()
		n += sh.lru.Len()
		sh.mu.Unlock()
	}

	return n
}
