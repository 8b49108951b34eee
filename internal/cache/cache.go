// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cache holds per-connection verdicts and the packets waiting on
// undecided connections.
//
// The table is split into shards, each guarded by its own RWMutex. Classify
// paths take at most one shard lock and one entry lock, never across I/O.
// Entries leave the table on explicit removal, idle expiry, or when an
// insert finds the table full, in which case the least recently seen entry
// of a shard is evicted. Packets still queued on a departing entry are handed
// to the Evicted callback so the owner can release them.
package cache

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/interceptor/internal/diag"
	"grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/flow"
	"grimm.is/interceptor/internal/kernel"
	"grimm.is/interceptor/internal/metrics"
)

var (
	ErrNotFound  = errors.New(errors.KindNotFound, "connection not found")
	ErrQueueFull = errors.New(errors.KindExhausted, "connection packet queue full")
	// ErrDecided is returned by QueuePacket when a verdict landed first.
	ErrDecided = errors.New(errors.KindConflict, "connection already decided")
)

const numShards = 64

// Config controls cache bounds and expiry.
type Config struct {
	MaxEntries       int
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	MaxQueuedPackets int
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		MaxEntries:       65536,
		IdleTimeout:      5 * time.Minute,
		SweepInterval:    30 * time.Second,
		MaxQueuedPackets: 64,
	}
}

// Reason says why an entry left the cache.
type Reason string

const (
	ReasonRemoved  Reason = "removed"
	ReasonIdle     Reason = "idle"
	ReasonPressure Reason = "pressure"
	ReasonCleared  Reason = "cleared"
)

// EvictFunc receives entries that left the cache for any reason other than
// an explicit Remove, with the packets that were still queued on them.
type EvictFunc func(e *Entry, packets []*kernel.Packet, reason Reason)

type shard struct {
	mu sync.RWMutex
	m  map[flow.Key]*Entry
}

// redirectKey identifies the reply path of a redirected connection: the
// local port it left from and the target it was sent to.
type redirectKey struct {
	protocol  flow.Protocol
	localPort uint16
	target    netip.AddrPort
}

// Cache is the connection table.
type Cache struct {
	cfg     Config
	log     *diag.Buffer
	metrics *metrics.Metrics
	now     func() time.Time

	shards [numShards]shard
	count  atomic.Int64
	nextID atomic.Uint64

	redirMu   sync.RWMutex
	redirects map[redirectKey]flow.Key

	// Evicted is called outside all cache locks.
	Evicted EvictFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an empty cache. Zero config fields take defaults.
func New(cfg Config, log *diag.Buffer, m *metrics.Metrics) *Cache {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MaxQueuedPackets <= 0 {
		cfg.MaxQueuedPackets = def.MaxQueuedPackets
	}

	c := &Cache{
		cfg:       cfg,
		log:       log,
		metrics:   m,
		now:       time.Now,
		redirects: make(map[redirectKey]flow.Key),
	}
	for i := range c.shards {
		c.shards[i].m = make(map[flow.Key]*Entry)
	}
	return c
}

// shardIndex is FNV-1a over the key fields.
func shardIndex(k flow.Key) uint32 {
	h := uint32(2166136261)
	mix := func(b byte) { h = (h ^ uint32(b)) * 16777619 }

	mix(byte(k.Protocol))
	for _, b := range k.LocalAddress.As16() {
		mix(b)
	}
	for _, b := range k.RemoteAddress.As16() {
		mix(b)
	}
	mix(byte(k.LocalPort >> 8))
	mix(byte(k.LocalPort))
	mix(byte(k.RemotePort >> 8))
	mix(byte(k.RemotePort))
	return h & (numShards - 1)
}

func (c *Cache) shardFor(k flow.Key) *shard {
	return &c.shards[shardIndex(k)]
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	return int(c.count.Load())
}

// Get returns the entry for key.
func (c *Cache) Get(key flow.Key) (*Entry, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()
	return e, ok
}

// LookupOrCreate returns the entry for key, inserting an Undecided entry
// built from info if none exists. Concurrent callers for the same key all
// receive the same entry; exactly one sees created == true.
func (c *Cache) LookupOrCreate(key flow.Key, info flow.Info) (e *Entry, created bool) {
	return c.lookupOrCreate(key, info, flow.Undecided)
}

// Insert is LookupOrCreate with an explicit initial action, used for
// connections decided without consulting user mode.
func (c *Cache) Insert(key flow.Key, info flow.Info, action flow.Action) (*Entry, bool) {
	e, created := c.lookupOrCreate(key, info, action)
	if created && action.Verdict == flow.VerdictRedirect {
		c.indexRedirect(key, action)
	}
	return e, created
}

func (c *Cache) lookupOrCreate(key flow.Key, info flow.Info, action flow.Action) (*Entry, bool) {
	now := c.now()
	s := c.shardFor(key)

	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()
	if ok {
		e.Touch(now)
		return e, false
	}

	if c.Len() >= c.cfg.MaxEntries {
		c.evictOldest(shardIndex(key))
	}

	s.mu.Lock()
	if e, ok = s.m[key]; ok {
		s.mu.Unlock()
		e.Touch(now)
		return e, false
	}
	e = newEntry(c.nextID.Add(1), key, info, action, now)
	s.m[key] = e
	s.mu.Unlock()

	c.metrics.SetCacheEntries(int(c.count.Add(1)))
	return e, true
}

// evictOldest removes the least recently seen entry, preferring shard start.
func (c *Cache) evictOldest(start uint32) {
	for i := uint32(0); i < numShards; i++ {
		s := &c.shards[(start+i)&(numShards-1)]

		s.mu.Lock()
		var victim *Entry
		for _, e := range s.m {
			if victim == nil || e.lastSeen.Load() < victim.lastSeen.Load() {
				victim = e
			}
		}
		if victim != nil {
			delete(s.m, victim.Key)
		}
		s.mu.Unlock()

		if victim != nil {
			c.log.Warnf("cache full (%d entries), evicting %s", c.cfg.MaxEntries, victim.Key)
			c.departed(victim, ReasonPressure)
			return
		}
	}
}

// departed finishes removal of an entry already deleted from its shard.
func (c *Cache) departed(e *Entry, reason Reason) []*kernel.Packet {
	packets := e.detach()
	c.unindexRedirect(e.Key, e.Action())
	c.metrics.SetCacheEntries(int(c.count.Add(-1)))
	if reason != ReasonRemoved {
		c.metrics.Evicted(string(reason), 1)
		if c.Evicted != nil {
			c.Evicted(e, packets, reason)
			return nil
		}
	}
	return packets
}

// UpdateVerdict replaces the action of key. When the entry leaves the
// Undecided state its queued packets are returned in arrival order and the
// queue is cleared.
func (c *Cache) UpdateVerdict(key flow.Key, action flow.Action) ([]*kernel.Packet, error) {
	e, ok := c.Get(key)
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	prev := e.Action()
	e.action.Store(&action)
	var drained []*kernel.Packet
	if prev.Verdict == flow.VerdictUndecided && action.Verdict != flow.VerdictUndecided {
		drained = e.queue
		e.queue = nil
	}
	e.mu.Unlock()
	e.Touch(c.now())

	if prev.Verdict == flow.VerdictRedirect {
		c.unindexRedirect(key, prev)
	}
	if action.Verdict == flow.VerdictRedirect {
		c.indexRedirect(key, action)
	}
	return drained, nil
}

// QueuePacket appends pkt to the queue of an Undecided entry. The queue is
// bounded; the caller drops pkt on ErrQueueFull.
func (c *Cache) QueuePacket(key flow.Key, pkt *kernel.Packet) error {
	e, ok := c.Get(key)
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.removed:
		return ErrNotFound
	case e.Action().Verdict != flow.VerdictUndecided:
		return ErrDecided
	case len(e.queue) >= c.cfg.MaxQueuedPackets:
		c.metrics.Overflowed()
		return ErrQueueFull
	}
	e.queue = append(e.queue, pkt)
	c.metrics.Queued()
	return nil
}

// Remove deletes key and returns any packets still queued on it.
func (c *Cache) Remove(key flow.Key) ([]*kernel.Packet, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	e, ok := s.m[key]
	if ok {
		delete(s.m, key)
	}
	s.mu.Unlock()

	if !ok {
		return nil, false
	}
	return c.departed(e, ReasonRemoved), true
}

// Removed is an entry taken out by RemoveLocal.
type Removed struct {
	Entry   *Entry
	Packets []*kernel.Packet
}

// RemoveLocal deletes every entry bound to the local endpoint. An invalid
// or unspecified addr matches any local address.
func (c *Cache) RemoveLocal(proto flow.Protocol, addr netip.Addr, port uint16) []Removed {
	wildcard := !addr.IsValid() || addr.IsUnspecified()
	var out []Removed

	for i := range c.shards {
		s := &c.shards[i]
		var victims []*Entry

		s.mu.Lock()
		for k, e := range s.m {
			if k.Protocol == proto && k.LocalPort == port && (wildcard || k.LocalAddress == addr) {
				victims = append(victims, e)
				delete(s.m, k)
			}
		}
		s.mu.Unlock()

		for _, e := range victims {
			out = append(out, Removed{Entry: e, Packets: c.departed(e, ReasonRemoved)})
		}
	}
	return out
}

func (c *Cache) indexRedirect(key flow.Key, a flow.Action) {
	rk := redirectKey{protocol: key.Protocol, localPort: key.LocalPort, target: a.Target()}
	c.redirMu.Lock()
	c.redirects[rk] = key
	c.redirMu.Unlock()
}

func (c *Cache) unindexRedirect(key flow.Key, a flow.Action) {
	if a.Verdict != flow.VerdictRedirect {
		return
	}
	rk := redirectKey{protocol: key.Protocol, localPort: key.LocalPort, target: a.Target()}
	c.redirMu.Lock()
	if c.redirects[rk] == key {
		delete(c.redirects, rk)
	}
	c.redirMu.Unlock()
}

// LookupRedirected maps an inbound key seen on the redirect target's reply
// path back to the original connection and its action.
func (c *Cache) LookupRedirected(inbound flow.Key) (flow.Key, flow.Action, bool) {
	rk := redirectKey{protocol: inbound.Protocol, localPort: inbound.LocalPort, target: inbound.Remote()}
	c.redirMu.RLock()
	orig, ok := c.redirects[rk]
	c.redirMu.RUnlock()
	if !ok {
		return flow.Key{}, flow.Action{}, false
	}

	e, ok := c.Get(orig)
	if !ok {
		return flow.Key{}, flow.Action{}, false
	}
	a := e.Action()
	if a.Verdict != flow.VerdictRedirect {
		return flow.Key{}, flow.Action{}, false
	}
	e.Touch(c.now())
	return orig, a, true
}

// Snapshot copies every entry.
func (c *Cache) Snapshot() []Snapshot {
	var out []Snapshot
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for _, e := range s.m {
			out = append(out, e.snapshot())
		}
		s.mu.RUnlock()
	}
	return out
}

// Clear empties the cache. Every entry is reported to Evicted with
// ReasonCleared.
func (c *Cache) Clear() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		entries := s.m
		s.m = make(map[flow.Key]*Entry)
		s.mu.Unlock()

		for _, e := range entries {
			c.departed(e, ReasonCleared)
			n++
		}
	}
	return n
}

// Sweep removes entries idle since before now minus IdleTimeout.
func (c *Cache) Sweep(now time.Time) int {
	cutoff := now.Add(-c.cfg.IdleTimeout).UnixNano()
	n := 0

	for i := range c.shards {
		s := &c.shards[i]
		var expired []*Entry

		s.mu.Lock()
		for k, e := range s.m {
			if e.lastSeen.Load() < cutoff {
				expired = append(expired, e)
				delete(s.m, k)
			}
		}
		s.mu.Unlock()

		for _, e := range expired {
			c.departed(e, ReasonIdle)
		}
		n += len(expired)
	}

	if n > 0 {
		c.log.Debugf("swept %d idle connections", n)
	}
	return n
}

// Start runs the idle sweeper until Stop or ctx is done.
func (c *Cache) Start(ctx context.Context) {
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.sweepRoutine(ctx, c.stopCh)
}

// Stop halts the sweeper and waits for it to exit. Safe to call more than
// once.
func (c *Cache) Stop() {
	if c.stopCh == nil {
		return
	}
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.wg.Wait()
}

func (c *Cache) sweepRoutine(ctx context.Context, stopCh <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}
