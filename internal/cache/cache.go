// Package cache provides a namespaced, TTL-bounded cache shared by the
// discovery and health-check paths so repeated reads of the same pane
// or session within a short window don't each pay a tmux round trip
// (spec §4.3).
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/defaults"
)

// Namespace names the cache's four TTL classes (spec §4.3).
type Namespace string

const (
	NamespacePaneContent Namespace = "pane_content"
	NamespaceAgentStatus Namespace = "agent_status"
	NamespaceSessionInfo Namespace = "session_info"
	NamespaceConfig      Namespace = "config"
)

type entry struct {
	key       string
	value     interface{}
	expiresAt time.Time
	elem      *list.Element
}

// bucket is one namespace's LRU-bounded TTL store.
type bucket struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxSize  int
	items    map[string]*entry
	order    *list.List // front = most recently used
	inflight map[string]*call

	hits   int64
	misses int64
}

type call struct {
	done  chan struct{}
	value interface{}
	err   error
}

func newBucket(ttl time.Duration, maxSize int) *bucket {
	return &bucket{
		ttl:      ttl,
		maxSize:  maxSize,
		items:    make(map[string]*entry),
		order:    list.New(),
		inflight: make(map[string]*call),
	}
}

// Cache is a set of independently-TTL'd namespaces.
type Cache struct {
	buckets map[Namespace]*bucket
}

// Config gives each namespace's TTL and per-namespace entry cap.
type Config struct {
	PaneContentTTL         time.Duration
	AgentStatusTTL         time.Duration
	SessionInfoTTL         time.Duration
	ConfigTTL              time.Duration
	MaxEntriesPerNamespace int
}

// New builds a Cache with the four fixed namespaces from spec §4.3.
func New(cfg Config) *Cache {
	maxSize := cfg.MaxEntriesPerNamespace
	if maxSize <= 0 {
		maxSize = defaults.CacheMaxEntries
	}
	ttl := func(d, fallback time.Duration) time.Duration {
		if d <= 0 {
			return fallback
		}
		return d
	}
	return &Cache{buckets: map[Namespace]*bucket{
		NamespacePaneContent: newBucket(ttl(cfg.PaneContentTTL, defaults.CachePaneContentTTL), maxSize),
		NamespaceAgentStatus: newBucket(ttl(cfg.AgentStatusTTL, defaults.CacheAgentStatusTTL), maxSize),
		NamespaceSessionInfo: newBucket(ttl(cfg.SessionInfoTTL, defaults.CacheSessionInfoTTL), maxSize),
		NamespaceConfig:      newBucket(ttl(cfg.ConfigTTL, defaults.CacheConfigTTL), maxSize),
	}}
}

// Get returns the cached value for key in ns, if present and unexpired.
func (c *Cache) Get(ns Namespace, key string) (interface{}, bool) {
	b := c.buckets[ns]
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.getLocked(key)
	if ok {
		b.hits++
	} else {
		b.misses++
	}
	return v, ok
}

// Stats is one namespace's cumulative hit/miss count, for StatusReport
// (spec §4.11).
type Stats struct {
	Hits   int64
	Misses int64
}

// Stats returns hit/miss counts for every namespace.
func (c *Cache) Stats() map[Namespace]Stats {
	out := make(map[Namespace]Stats, len(c.buckets))
	for ns, b := range c.buckets {
		b.mu.Lock()
		out[ns] = Stats{Hits: b.hits, Misses: b.misses}
		b.mu.Unlock()
	}
	return out
}

func (b *bucket) getLocked(key string) (interface{}, bool) {
	e, ok := b.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		b.removeLocked(e)
		return nil, false
	}
	b.order.MoveToFront(e.elem)
	return e.value, true
}

// Set stores value under key in ns, evicting the least-recently-used
// entry if the namespace is at capacity.
func (c *Cache) Set(ns Namespace, key string, value interface{}) {
	b := c.buckets[ns]
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(key, value)
}

func (b *bucket) setLocked(key string, value interface{}) {
	if e, ok := b.items[key]; ok {
		e.value = value
		e.expiresAt = time.Now().Add(b.ttl)
		b.order.MoveToFront(e.elem)
		return
	}
	e := &entry{key: key, value: value, expiresAt: time.Now().Add(b.ttl)}
	e.elem = b.order.PushFront(e)
	b.items[key] = e
	for len(b.items) > b.maxSize {
		oldest := b.order.Back()
		if oldest == nil {
			break
		}
		b.removeLocked(oldest.Value.(*entry))
	}
}

func (b *bucket) removeLocked(e *entry) {
	delete(b.items, e.key)
	b.order.Remove(e.elem)
}

// Invalidate removes key from ns, if present.
func (c *Cache) Invalidate(ns Namespace, key string) {
	b := c.buckets[ns]
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.items[key]; ok {
		b.removeLocked(e)
	}
}

// GetOrCompute returns the cached value for key, computing and storing
// it via fn on a miss. Concurrent callers for the same key single-flight
// onto one fn invocation, so a cache stampede never issues more than one
// tmux call per key per TTL window (spec §4.3).
func (c *Cache) GetOrCompute(ns Namespace, key string, fn func() (interface{}, error)) (interface{}, error) {
	b := c.buckets[ns]

	b.mu.Lock()
	if v, ok := b.getLocked(key); ok {
		b.hits++
		b.mu.Unlock()
		return v, nil
	}
	b.misses++
	if inflight, ok := b.inflight[key]; ok {
		b.mu.Unlock()
		<-inflight.done
		return inflight.value, inflight.err
	}
	c2 := &call{done: make(chan struct{})}
	b.inflight[key] = c2
	b.mu.Unlock()

	value, err := fn()

	b.mu.Lock()
	delete(b.inflight, key)
	if err == nil {
		b.setLocked(key, value)
	}
	b.mu.Unlock()

	c2.value, c2.err = value, err
	close(c2.done)
	return value, err
}
