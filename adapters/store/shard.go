package store

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e entry[V]) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

type shard[V any] struct {
	mu    sync.Mutex
	items map[string]entry[V]
}

// shardedMap is a TTL map whose keys are spread over independently locked
// shards. Every operation holds exactly one shard lock.
type shardedMap[V any] struct {
	shards [shardCount]*shard[V]
	now    func() time.Time
}

func newShardedMap[V any](now func() time.Time) *shardedMap[V] {
	m := &shardedMap[V]{now: now}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return m
}

func (m *shardedMap[V]) shardFor(key string) *shard[V] {
	return m.shards[xxhash.Sum64String(key)%shardCount]
}

// update runs fn under the key's shard lock. cur is nil when the key is
// absent or expired. Returning nil deletes the key.
func (m *shardedMap[V]) update(key string, fn func(cur *entry[V], now time.Time) *entry[V]) {
	s := m.shardFor(key)
	now := m.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var cur *entry[V]
	if e, ok := s.items[key]; ok {
		if e.live(now) {
			cur = &e
		} else {
			delete(s.items, key)
		}
	}

	next := fn(cur, now)
	if next == nil {
		delete(s.items, key)
		return
	}
	s.items[key] = *next
}

func (m *shardedMap[V]) get(key string) (entry[V], bool) {
	var out entry[V]
	var found bool
	m.update(key, func(cur *entry[V], _ time.Time) *entry[V] {
		if cur != nil {
			out, found = *cur, true
		}
		return cur
	})
	return out, found
}

func (m *shardedMap[V]) delete(key string) bool {
	var existed bool
	m.update(key, func(cur *entry[V], _ time.Time) *entry[V] {
		existed = cur != nil
		return nil
	})
	return existed
}

// sweep drops expired entries shard by shard and reports how many it removed.
func (m *shardedMap[V]) sweep() int {
	now := m.now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if !e.live(now) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (m *shardedMap[V]) len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

type sweeper interface {
	sweep() int
}

// Reaper periodically removes expired entries from memory stores.
// Expired entries are already ignored on access; the reaper only bounds memory.
type Reaper struct {
	targets  []sweeper
	interval time.Duration
}

// Sweep removes expired entries now and reports how many were dropped.
func (r *Reaper) Sweep() int {
	removed := 0
	for _, t := range r.targets {
		removed += t.sweep()
	}
	return removed
}

// Start runs Sweep every interval until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}

	t := time.NewTicker(r.interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.Sweep()
			}
		}
	}()
}
