package queue

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const numShards = 16

// Record TTLs and key prefixes for queue bookkeeping.
const (
	JobRecordTTL    = 24 * time.Hour
	jobKeyPrefix    = "job:"
	workerKeyPrefix = "worker:"
)

// RecordStore is a sharded in-process key-value store with per-entry
// expiry. It holds job detail records and worker heartbeat records.
type RecordStore struct {
	shards [numShards]*recordShard
}

type recordShard struct {
	mu    sync.RWMutex
	items map[string]record
}

type record struct {
	value     any
	expiresAt time.Time // zero = no expiry
}

func NewRecordStore() *RecordStore {
	s := &RecordStore{}
	for i := 0; i < numShards; i++ {
		s.shards[i] = &recordShard{items: make(map[string]record)}
	}
	return s
}

func (s *RecordStore) getShard(key string) *recordShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%numShards]
}

// Set stores a value; ttl <= 0 means no expiry.
func (s *RecordStore) Set(key string, value any, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	shard := s.getShard(key)
	shard.mu.Lock()
	shard.items[key] = record{value: value, expiresAt: expires}
	shard.mu.Unlock()
}

// Get retrieves a live value. Expired entries read as absent.
func (s *RecordStore) Get(key string) (any, bool) {
	shard := s.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

func (s *RecordStore) Delete(key string) {
	shard := s.getShard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

// Keys lists live keys with the given prefix.
func (s *RecordStore) Keys(prefix string) []string {
	now := time.Now()
	var out []string
	for _, shard := range s.shards {
		shard.mu.RLock()
		for k, entry := range shard.items {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
				continue
			}
			out = append(out, k)
		}
		shard.mu.RUnlock()
	}
	return out
}

// Cleanup drops expired entries, returning how many were removed.
func (s *RecordStore) Cleanup() int {
	now := time.Now()
	removed := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for k, entry := range shard.items {
			if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
				delete(shard.items, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len counts live entries.
func (s *RecordStore) Len() int {
	now := time.Now()
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, entry := range shard.items {
			if entry.expiresAt.IsZero() || now.Before(entry.expiresAt) {
				total++
			}
		}
		shard.mu.RUnlock()
	}
	return total
}
