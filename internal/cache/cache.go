// Package cache holds full-frame record templates keyed by the 2-byte
// compact-frame signature, so OMS compact frames (CI 0x79) can be
// re-expanded without asking the device for the full layout again.
//
// The signature is pinned as the EN 13757-4 CRC-16 over the
// device-identifying header fields in transmission order: manufacturer
// (LE), address (LE), version, device type. Serialized caches depend on
// this staying stable.
package cache

import (
	"container/list"
	"encoding/binary"
	"time"

	"github.com/sasha-s/go-deadlock"

	"gitlab.com/d21d3q/gombus/internal/checksum"
	"gitlab.com/d21d3q/gombus/internal/frame"
)

// Signature identifies one device's full-frame template.
type Signature uint16

// Capacity bounds; configured values are clamped into this range.
const (
	MinCapacity = 256
	MaxCapacity = 1024
)

// Entry is one cached record-layout template.
type Entry struct {
	Template     []byte
	Manufacturer uint16
	DeviceID     [4]byte
	LastSeen     time.Time
}

// SignatureFor computes the compact-frame signature from the frame's
// identifying header.
func SignatureFor(f frame.Frame) Signature {
	var id [8]byte
	binary.LittleEndian.PutUint16(id[0:2], f.Manufacturer)
	copy(id[2:6], f.DeviceID[:])
	id[6] = f.Version
	id[7] = f.DeviceType
	return Signature(checksum.CRC16(id[:]))
}

// Cache is the shared, process-wide template store. Lookups and inserts
// from concurrent device tasks are serialized by a single lock; eviction
// is strict least-recently-used.
type Cache struct {
	mu       deadlock.Mutex
	capacity int
	order    *list.List
	entries  map[Signature]*list.Element

	now func() time.Time
}

type cacheItem struct {
	sig   Signature
	entry Entry
}

// New returns a cache with the capacity clamped into [MinCapacity,
// MaxCapacity].
func New(capacity int) *Cache {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	if capacity > MaxCapacity {
		capacity = MaxCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[Signature]*list.Element, capacity),
		now:      time.Now,
	}
}

// Lookup returns the entry for sig and refreshes its recency.
func (c *Cache) Lookup(sig Signature) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[sig]
	if !ok {
		return Entry{}, false
	}
	c.order.MoveToFront(el)
	item := el.Value.(*cacheItem)
	item.entry.LastSeen = c.now()
	return item.entry, true
}

// Insert stores or replaces the entry for sig, evicting the
// least-recently-used entry when the cache is full. Running out of room
// is absorbed by eviction, never reported as an error.
func (c *Cache) Insert(sig Signature, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.LastSeen.IsZero() {
		e.LastSeen = c.now()
	}
	if el, ok := c.entries[sig]; ok {
		el.Value.(*cacheItem).entry = e
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheItem).sig)
		}
	}
	c.entries[sig] = c.order.PushFront(&cacheItem{sig: sig, entry: e})
}

// Len reports the number of cached templates.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity reports the clamped capacity.
func (c *Cache) Capacity() int { return c.capacity }

// Snapshot copies the cache content for external serialization, most
// recently used first.
func (c *Cache) Snapshot() map[Signature]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Signature]Entry, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		item := el.Value.(*cacheItem)
		out[item.sig] = item.entry
	}
	return out
}

// Restore loads previously serialized entries. Existing entries with the
// same signature are replaced.
func (c *Cache) Restore(entries map[Signature]Entry) {
	for sig, e := range entries {
		c.Insert(sig, e)
	}
}
