// Package ratelimit bounds how often a client may do something, keyed by
// whatever identifies the client (remote address, identity).
package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxKeys bounds the number of tracked keys when Config.MaxKeys is
// unset.
const DefaultMaxKeys = 4096

type Config struct {
	// PerMinute is the sustained rate per key. Zero disables limiting.
	PerMinute int
	// Burst defaults to PerMinute.
	Burst   int
	MaxKeys int

	// OnEvict is invoked once per evicted key, outside the limiter's mutex.
	OnEvict func(key string)
	// Now is used in tests.
	Now func() time.Time
}

// Keyed holds one token bucket per key and evicts the least recently used key
// once MaxKeys is reached. An evicted key starts again with a full bucket.
type Keyed struct {
	limit   rate.Limit
	burst   int
	maxKeys int
	onEvict func(string)
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List
}

type entry struct {
	limiter *rate.Limiter
	elem    *list.Element
}

func NewKeyed(cfg Config) *Keyed {
	k := &Keyed{
		burst:   cfg.Burst,
		maxKeys: cfg.MaxKeys,
		onEvict: cfg.OnEvict,
		now:     cfg.Now,
		entries: make(map[string]*entry),
		lru:     list.New(),
	}
	if cfg.PerMinute <= 0 {
		k.limit = rate.Inf
	} else {
		k.limit = rate.Limit(float64(cfg.PerMinute) / 60)
	}
	if k.burst <= 0 {
		k.burst = max(cfg.PerMinute, 1)
	}
	if k.maxKeys <= 0 {
		k.maxKeys = DefaultMaxKeys
	}
	if k.now == nil {
		k.now = time.Now
	}
	return k
}

// Allow spends one token from key's bucket.
func (k *Keyed) Allow(key string) bool {
	if k.limit == rate.Inf {
		return true
	}
	l, evicted := k.limiterFor(key)
	if evicted != "" && k.onEvict != nil {
		k.onEvict(evicted)
	}
	return l.AllowN(k.now(), 1)
}

// Len is the number of keys currently tracked.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *Keyed) limiterFor(key string) (l *rate.Limiter, evicted string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if e, ok := k.entries[key]; ok {
		k.lru.MoveToFront(e.elem)
		return e.limiter, ""
	}

	if len(k.entries) >= k.maxKeys {
		if back := k.lru.Back(); back != nil {
			evicted = back.Value.(string)
			k.lru.Remove(back)
			delete(k.entries, evicted)
		}
	}

	l = rate.NewLimiter(k.limit, k.burst)
	k.entries[key] = &entry{limiter: l, elem: k.lru.PushFront(key)}
	return l, evicted
}

// NewPerConnection returns a limiter for messages on a single connection:
// perSecond sustained with an equal burst.
func NewPerConnection(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}
