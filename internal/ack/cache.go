package ack

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

const (
	DefaultCacheTTL  = 5 * time.Minute
	DefaultCacheSize = 10000
)

// cached holds the message so Update can swap it without resetting the TTL.
type cached struct {
	msg atomic.Pointer[protocol.Message]
}

// LookupCache is a bounded TTL cache of messages keyed by ticket and native id.
// Expired entries are never returned and are purged in the background.
type LookupCache struct {
	lru     *expirable.LRU[string, *cached]
	evicted atomic.Int64
}

// NewLookupCache creates a cache. Non-positive arguments use the defaults.
func NewLookupCache(ttl time.Duration, size int) *LookupCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	c := &LookupCache{}
	c.lru = expirable.NewLRU[string, *cached](size, func(string, *cached) { c.evicted.Add(1) }, ttl)
	return c
}

func cacheKey(ticketID, nativeID string) string {
	return ticketID + "|" + nativeID
}

// Get returns a live entry.
func (c *LookupCache) Get(ticketID, nativeID string) (*protocol.Message, bool) {
	e, ok := c.lru.Get(cacheKey(ticketID, nativeID))
	if !ok {
		return nil, false
	}
	return e.msg.Load(), true
}

// Put stores m. When full, the least recently used entry goes first.
func (c *LookupCache) Put(m *protocol.Message) {
	if m == nil || m.MessageID == "" {
		return
	}
	e := &cached{}
	e.msg.Store(m)
	c.lru.Add(cacheKey(m.TicketID, m.MessageID), e)
}

// Update refreshes a cached message in place without extending its TTL.
func (c *LookupCache) Update(m *protocol.Message) {
	if m == nil || m.MessageID == "" {
		return
	}
	if e, ok := c.lru.Peek(cacheKey(m.TicketID, m.MessageID)); ok {
		e.msg.Store(m)
	}
}

// Sweep returns how many entries expired or were evicted since the last call.
func (c *LookupCache) Sweep() int {
	return int(c.evicted.Swap(0))
}

// Len returns the number of entries, including expired ones not yet purged.
func (c *LookupCache) Len() int {
	return c.lru.Len()
}

// Clear empties the cache.
func (c *LookupCache) Clear() {
	c.lru.Purge()
	c.evicted.Store(0)
}
