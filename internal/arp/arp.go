// Package arp implements the per-interface ARP cache and resolver
// (§4.D): a table of IPv4→MAC mappings with Incomplete,
// Reachable, Stale, and Permanent entries, a bounded per-entry queue
// of frames awaiting resolution, and geometric-backoff retransmission
// of ARP requests. The table itself has no size limit: no entry is
// ever evicted to make room for another.
//
// The state machine and its mutex-guarded transition methods are
// grounded on the teacher's liveness.Session (Down/Init/Up states,
// HandleRx-style transition function, ComputeNextTx-style backoff
// scheduling); the table with timed eviction is grounded on
// jellydator/ttlcache's timer-wheel cache, used here as the backing
// store instead of the teacher's plain map since the teacher has no
// bounded/expiring table but the other example repos in the pack
// lean on ttlcache for exactly this shape. Retransmission backoff
// uses cenkalti/backoff rather than the teacher's hand-rolled jitter
// arithmetic in Session.ComputeNextTx, since backoff/v4 is already a
// direct dependency with no other concrete home in this spec.
package arp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/nimblenet/corestack/internal/metrics"
	"github.com/nimblenet/corestack/internal/stackerr"
)

// State is the lifecycle state of a cache entry.
type State uint8

const (
	StateIncomplete State = iota
	StateReachable
	StateStale
	StatePermanent
)

func (s State) String() string {
	switch s {
	case StateIncomplete:
		return "incomplete"
	case StateReachable:
		return "reachable"
	case StateStale:
		return "stale"
	case StatePermanent:
		return "permanent"
	}
	return "unknown"
}

const (
	// maxQueuedFrames bounds the per-entry wait queue; overflow drops
	// the oldest queued frame (head-drop), matching §4.D's bounded-
	// queue requirement.
	maxQueuedFrames = 8

	// maxRetransmits is the number of ARP requests sent for an
	// Incomplete entry before it is declared unreachable and its
	// queue is flushed.
	maxRetransmits = 3

	reachableTTL = 5 * time.Minute
	staleGrace   = 30 * time.Second
)

// Entry is one resolved-or-resolving IPv4→MAC mapping.
type Entry struct {
	mu sync.Mutex

	IP    [4]byte
	MAC   net.HardwareAddr
	State State

	retransmits   int
	backoff       backoff.BackOff
	nextRetransAt time.Time
	queue         [][]byte // frames awaiting resolution, FIFO, bounded
	lastRefresh   time.Time
}

func (e *Entry) snapshotLocked() Entry {
	return Entry{IP: e.IP, MAC: e.MAC, State: e.State}
}

// Cache is the per-interface ARP table plus its resolution queue.
type Cache struct {
	ifaceName string
	clock     clockwork.Clock
	send      func(req *request) error // sends an ARP request; injected to decouple from internal/iface

	mu      sync.Mutex
	entries *ttlcache.Cache[[4]byte, *Entry]
}

// request is the minimal shape the Cache needs to ask its owner to
// transmit an ARP request; internal/ipv4 and internal/stack supply a
// closure that actually builds and sends the Ethernet/ARP frame.
type request struct {
	TargetIP [4]byte
}

// New constructs a Cache for one interface. send is invoked (without
// the cache's own lock held) every time a retransmit is due.
func New(ifaceName string, clock clockwork.Clock, send func(targetIP [4]byte) error) *Cache {
	c := &Cache{
		ifaceName: ifaceName,
		clock:     clock,
	}
	c.send = func(r *request) error { return send(r.TargetIP) }
	c.entries = ttlcache.New[[4]byte, *Entry](
		ttlcache.WithTTL[[4]byte, *Entry](reachableTTL),
	)
	c.entries.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[[4]byte, *Entry]) {
		metrics.ARPCacheEntries.WithLabelValues(ifaceName, item.Value().State.String()).Dec()
	})
	go c.entries.Start()
	return c
}

// Close stops the cache's internal TTL janitor goroutine.
func (c *Cache) Close() { c.entries.Stop() }

// Lookup returns the MAC for ip if the entry is Reachable, Stale, or
// Permanent (all three are usable for forwarding; Stale triggers a
// background refresh per §4.D). ok is false for Incomplete or absent
// entries.
func (c *Cache) Lookup(ip [4]byte) (mac net.HardwareAddr, ok bool) {
	item := c.entries.Get(ip)
	if item == nil {
		return nil, false
	}
	e := item.Value()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State == StateIncomplete {
		return nil, false
	}
	return e.MAC, true
}

// Resolve returns the MAC for ip if already known, otherwise queues
// frame for transmission once resolution completes and, if this is
// the first request for ip, sends an ARP request (retransmissions are
// sent by Tick, not here). The returned error is stackerr.KindInProgress when the
// frame was queued rather than dropped — callers on the egress path
// treat that as success per §7.
func (c *Cache) Resolve(ip [4]byte, frame []byte) (net.HardwareAddr, error) {
	item := c.entries.Get(ip)
	if item != nil {
		e := item.Value()
		e.mu.Lock()
		if e.State != StateIncomplete {
			mac := e.MAC
			e.mu.Unlock()
			return mac, nil
		}
		c.enqueueLocked(e, frame)
		e.mu.Unlock()
		return nil, stackerr.New("arp.resolve", stackerr.KindInProgress)
	}

	e := &Entry{IP: ip, State: StateIncomplete, backoff: newBackoff()}
	e.queue = append(e.queue, frame)
	e.nextRetransAt = c.clock.Now().Add(e.backoff.NextBackOff())
	c.entries.Set(ip, e, ttlcache.NoTTL)
	metrics.ARPCacheEntries.WithLabelValues(c.ifaceName, StateIncomplete.String()).Inc()

	if err := c.send(&request{TargetIP: ip}); err != nil {
		// Transmission failure at t=0 is not fatal; the retry timer
		// will try again. Surface in_progress either way since the
		// frame was still queued.
	}
	e.mu.Lock()
	e.retransmits++
	e.mu.Unlock()
	metrics.ARPRequestsSent.WithLabelValues(c.ifaceName).Inc()

	return nil, stackerr.New("arp.resolve", stackerr.KindInProgress)
}

func (c *Cache) enqueueLocked(e *Entry, frame []byte) {
	if len(e.queue) >= maxQueuedFrames {
		e.queue = e.queue[1:]
		metrics.ARPQueueDropped.WithLabelValues(c.ifaceName, "overflow").Inc()
	}
	e.queue = append(e.queue, frame)
}

// HandleReply processes an ARP reply or gratuitous ARP announcing
// (senderIP, senderMAC). It completes a pending Incomplete entry
// (flushing its queue via deliver), refreshes a Stale/Reachable entry
// back to Reachable, leaves a Permanent entry unchanged, or learns a
// new entry if gratuitous-learning is
// enabled by the caller (internal/ipv4 decides that policy; this
// method always records what it is told).
func (c *Cache) HandleReply(senderIP [4]byte, senderMAC net.HardwareAddr, deliver func(frame []byte)) {
	item := c.entries.Get(senderIP)
	if item == nil {
		e := &Entry{IP: senderIP, MAC: senderMAC, State: StateReachable, lastRefresh: c.clock.Now()}
		c.entries.Set(senderIP, e, reachableTTL)
		metrics.ARPCacheEntries.WithLabelValues(c.ifaceName, StateReachable.String()).Inc()
		return
	}
	e := item.Value()
	e.mu.Lock()
	if e.State == StatePermanent {
		e.mu.Unlock()
		return
	}
	wasIncomplete := e.State == StateIncomplete
	e.MAC = senderMAC
	e.State = StateReachable
	e.retransmits = 0
	e.lastRefresh = c.clock.Now()
	queued := e.queue
	e.queue = nil
	e.mu.Unlock()

	c.entries.Set(senderIP, e, reachableTTL)
	if wasIncomplete {
		for _, f := range queued {
			deliver(f)
		}
	}
}

// Permanent installs a static, non-expiring entry (used for the
// interface's own address and configured static mappings).
func (c *Cache) Permanent(ip [4]byte, mac net.HardwareAddr) {
	e := &Entry{IP: ip, MAC: mac, State: StatePermanent}
	c.entries.Set(ip, e, ttlcache.NoTTL)
	metrics.ARPCacheEntries.WithLabelValues(c.ifaceName, StatePermanent.String()).Inc()
}

// Tick drives retransmission and stale-decay; the caller (the stack's
// single scheduler loop) invokes it periodically under the global
// lock. now is injected so tests can advance clockwork's virtual
// clock instead of sleeping.
func (c *Cache) Tick(now time.Time, flush func(ip [4]byte)) {
	for _, ip := range c.entries.Keys() {
		item := c.entries.Get(ip)
		if item == nil {
			continue
		}
		e := item.Value()
		e.mu.Lock()
		switch e.State {
		case StateIncomplete:
			if e.retransmits >= maxRetransmits {
				dropped := e.queue
				e.queue = nil
				e.mu.Unlock()
				for range dropped {
					metrics.ARPQueueDropped.WithLabelValues(c.ifaceName, "unreachable").Inc()
				}
				c.entries.Delete(ip)
				flush(ip)
				continue
			}
			if now.Before(e.nextRetransAt) {
				e.mu.Unlock()
				continue
			}
			e.retransmits++
			e.nextRetransAt = now.Add(e.backoff.NextBackOff())
			e.mu.Unlock()
			_ = c.send(&request{TargetIP: ip})
			metrics.ARPRequestsSent.WithLabelValues(c.ifaceName).Inc()
		case StateReachable:
			// Idle decay: an entry nobody has refreshed in reachableTTL
			// minus the stale grace window drops to Stale so the next
			// lookup triggers a unicast re-probe instead of silently
			// trusting possibly-dead mapping for the full cache TTL.
			if e.lastRefresh.IsZero() {
				e.lastRefresh = now
			}
			idle := now.Sub(e.lastRefresh)
			if idle >= reachableTTL-staleGrace {
				e.State = StateStale
				metrics.ARPCacheEntries.WithLabelValues(c.ifaceName, StateReachable.String()).Dec()
				metrics.ARPCacheEntries.WithLabelValues(c.ifaceName, StateStale.String()).Inc()
			}
			e.mu.Unlock()
		case StateStale:
			// One unicast probe per tick while stale; a reply in
			// HandleReply restores Reachable and resets lastRefresh.
			e.mu.Unlock()
			_ = c.send(&request{TargetIP: ip})
		default:
			e.mu.Unlock()
		}
	}
}

// FlushInterfaceDown evicts every non-Permanent entry, per §4.D's
// link-down handling.
func (c *Cache) FlushInterfaceDown() {
	for _, ip := range c.entries.Keys() {
		item := c.entries.Get(ip)
		if item == nil {
			continue
		}
		if item.Value().State != StatePermanent {
			c.entries.Delete(ip)
		}
	}
}

// Snapshot returns a point-in-time copy of every cache entry, for the
// host control API / stackctl.
func (c *Cache) Snapshot() []Entry {
	var out []Entry
	for _, ip := range c.entries.Keys() {
		item := c.entries.Get(ip)
		if item == nil {
			continue
		}
		e := item.Value()
		e.mu.Lock()
		out = append(out, e.snapshotLocked())
		e.mu.Unlock()
	}
	return out
}

func newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 8 * time.Second
	b.MaxElapsedTime = 0 // caller (maxRetransmits) bounds retry count, not backoff itself
	return b
}
