// Package cache implements the server's tiered cache: four independently
// budgeted, approximately-LRU pools (tiles, pmtiles directory pages,
// sprites, fonts) plus request coalescing so that concurrent misses on the
// same key invoke the filler exactly once.
//
// The pool shape generalizes the teacher's MVTMemoryStorage — a single
// mutex-protected map keyed by "z-x-y" — into several byte-budgeted pools,
// backed by hashicorp/golang-lru/v2 for eviction and
// golang.org/x/sync/singleflight for coalescing, per the NERVsystems-osmmcp
// example's use of the same LRU package for a similar cached-lookup role.
package cache

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Sized is implemented by cache values so a pool can track its byte budget.
type Sized interface {
	CacheBytes() int
}

// Pool is a single size-bounded associative store with approximate-LRU
// eviction. A Pool with budget 0 is always a no-op: Get always misses and
// Put never retains anything, so the caller's get_or_fill still works —
// it only ever goes through Fill.
type Pool[K comparable, V Sized] struct {
	budget int64

	mu       sync.Mutex
	lru      *lru.Cache[K, V]
	usedBytes int64

	group singleflight.Group
}

// NewPool builds a pool with the given byte budget. entryCap bounds the
// number of LRU slots independently of the byte budget, since golang-lru/v2
// evicts on entry count, not bytes; the pool additionally self-evicts on
// byte pressure in Put.
func NewPool[K comparable, V Sized](budgetBytes int64, entryCap int) *Pool[K, V] {
	p := &Pool[K, V]{budget: budgetBytes}
	if budgetBytes == 0 {
		return p
	}
	c, _ := lru.NewWithEvict[K, V](entryCap, func(_ K, v V) {
		p.usedBytes -= int64(v.CacheBytes())
	})
	p.lru = c
	return p
}

// Get returns a cached value if present.
func (p *Pool[K, V]) Get(key K) (V, bool) {
	var zero V
	if p.budget == 0 || p.lru == nil {
		return zero, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Get(key)
}

// Put stores a value, evicting older entries until the pool is back under
// budget. A value larger than the entire budget is not stored.
func (p *Pool[K, V]) Put(key K, value V) {
	if p.budget == 0 || p.lru == nil {
		return
	}
	size := int64(value.CacheBytes())
	if size > p.budget {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lru.Add(key, value)
	p.usedBytes += size
	for p.usedBytes > p.budget {
		if _, _, ok := p.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Fill implements get_or_fill: concurrent calls for the same key execute
// fn exactly once via singleflight, share the result, and populate the
// pool on success. A waiter whose context is cancelled simply stops
// waiting on the shared call. fn runs under a context detached from
// every caller's cancellation, so the in-flight fill always runs to
// completion and populates the pool, even after the last waiter has
// gone; no waiter's cancellation ever cancels it.
func (p *Pool[K, V]) Fill(ctx context.Context, key K, keyStr string, fn func(context.Context) (V, error)) (V, error) {
	if v, ok := p.Get(key); ok {
		return v, nil
	}

	type result struct {
		v   V
		err error
	}
	ch := p.group.DoChan(keyStr, func() (interface{}, error) {
		v, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return result{}, err
		}
		p.Put(key, v)
		return result{v: v}, nil
	})

	select {
	case r := <-ch:
		res, _ := r.Val.(result)
		if r.Err != nil {
			var zero V
			return zero, r.Err
		}
		return res.v, nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Len reports how many entries are currently held, for metrics.
func (p *Pool[K, V]) Len() int {
	if p.lru == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}

// UsedBytes reports the pool's current estimated occupancy, for metrics.
func (p *Pool[K, V]) UsedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usedBytes
}
