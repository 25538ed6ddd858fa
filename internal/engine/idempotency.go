package engine

import (
	"container/list"
	"fmt"

	"github.com/Quantillon-Labs/synthengine/internal/observability"
)

// DBIdempotencyChecker is the interface for the Postgres dedup lookup.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU
// for the hot path and Postgres for keys that have aged out of it.
// Not thread-safe; only accessed under the engine lock.
type IdempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// IsDuplicate checks whether an event has already been processed.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", eventType, idempotencyKey)

	if ic.lru.contains(compositeKey) {
		if ic.metrics != nil {
			ic.metrics.IngestDuplicates.WithLabelValues(eventType, "lru").Inc()
		}
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			// Conservative: a DB error must not block ingestion. The
			// Postgres ON CONFLICT clause catches any repeat on persist.
			return false
		}
		if isDup {
			if ic.metrics != nil {
				ic.metrics.IngestDuplicates.WithLabelValues(eventType, "postgres").Inc()
			}
			ic.lru.add(compositeKey)
			return true
		}
	}

	return false
}

// MarkProcessed adds a key to the LRU after successful processing.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.add(fmt.Sprintf("%s:%s", eventType, idempotencyKey))
}

// WarmFromKeys loads recently processed composite keys on restart so the
// cold path is not hit for them.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	for _, key := range keys {
		ic.lru.add(key)
	}
}

// Size returns the current LRU occupancy.
func (ic *IdempotencyChecker) Size() int {
	return ic.lru.size()
}

// --- LRU ---

type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key string
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

func (lru *idempotencyLRU) add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *idempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(*lruEntry).key)
	}
}

func (lru *idempotencyLRU) size() int {
	return lru.lruList.Len()
}
