package ipv4

import (
	"context"
	"sort"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/nimblenet/corestack/internal/metrics"
	"github.com/nimblenet/corestack/internal/wire"
)

// reassemblyTimeout bounds how long a partial datagram's fragments are
// held before the descriptor is dropped and (per §4.F) an ICMP Time
// Exceeded (reassembly) may be emitted.
const reassemblyTimeout = 30 * time.Second

type reasmKey struct {
	iface    string
	src, dst [4]byte
	protocol uint8
	id       uint16
}

type fragment struct {
	offset int // byte offset within the reassembled payload
	data   []byte
}

// descriptor tracks one in-progress reassembly. holeMap-free: fragments
// are kept sorted by offset and checked for full coverage on every
// insert, which is adequate at the fragment counts this stack expects
// (a handful per datagram, never the thousands a high-throughput
// router would see — explicitly out of scope per spec Non-goals).
type descriptor struct {
	header     *wire.IPv4Header // header of the first fragment (offset 0), for reassembled dispatch
	fragments  []fragment
	totalLen   int  // known once the last fragment (MF=0) arrives
	haveTotal  bool
	ifaceName  string
}

// Reassembler holds one timed-eviction table of in-progress
// reassemblies, keyed by the teacher's ttlcache (see internal/arp for
// the same pattern applied to ARP entries). The table has no size
// limit: no descriptor is evicted to make room for a new one.
type Reassembler struct {
	clock   clockwork.Clock
	table   *ttlcache.Cache[reasmKey, *descriptor]
	onExpire func(ifaceName string, hdr *wire.IPv4Header, firstFragment []byte)
}

func NewReassembler(clock clockwork.Clock) *Reassembler {
	r := &Reassembler{clock: clock}
	r.table = ttlcache.New[reasmKey, *descriptor](
		ttlcache.WithTTL[reasmKey, *descriptor](reassemblyTimeout),
	)
	r.table.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[reasmKey, *descriptor]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		d := item.Value()
		metrics.IPv4ReassemblyExpired.WithLabelValues(d.ifaceName).Inc()
		if r.onExpire != nil && d.header != nil && len(d.fragments) > 0 {
			sorted := append([]fragment(nil), d.fragments...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].offset < sorted[j].offset })
			r.onExpire(d.ifaceName, d.header, sorted[0].data)
		}
	})
	go r.table.Start()
	return r
}

// OnExpire registers the callback invoked when a reassembly descriptor
// times out with at least one fragment already received; internal/icmp
// wires this to emit Time Exceeded (reassembly) per §4.F/§4.H.
func (r *Reassembler) OnExpire(fn func(ifaceName string, hdr *wire.IPv4Header, firstFragment []byte)) {
	r.onExpire = fn
}

func (r *Reassembler) Close() { r.table.Stop() }

// Add inserts one fragment. complete is true once every byte from 0
// to the final fragment's end has arrived, in which case hdr and
// payload are the fully reassembled datagram (hdr.TotalLength and
// hdr.MF/FragOffset are normalized to describe the whole datagram).
func (r *Reassembler) Add(ifaceName string, hdr *wire.IPv4Header, payload []byte) (complete bool, outHdr *wire.IPv4Header, outPayload []byte) {
	key := reasmKey{iface: ifaceName, src: hdr.Src, dst: hdr.Dst, protocol: hdr.Protocol, id: hdr.ID}

	item := r.table.Get(key)
	var d *descriptor
	if item == nil {
		d = &descriptor{ifaceName: ifaceName}
		r.table.Set(key, d, ttlcache.DefaultTTL)
	} else {
		d = item.Value()
	}

	offsetBytes := int(hdr.FragOffset) * 8
	d.fragments = append(d.fragments, fragment{offset: offsetBytes, data: append([]byte(nil), payload...)})

	if offsetBytes == 0 {
		hcopy := *hdr
		d.header = &hcopy
	}
	if !hdr.MF {
		d.totalLen = offsetBytes + len(payload)
		d.haveTotal = true
	}

	r.table.Set(key, d, ttlcache.DefaultTTL) // refresh TTL on each fragment, per §4.F

	if !d.haveTotal || d.header == nil {
		return false, nil, nil
	}

	sort.Slice(d.fragments, func(i, j int) bool { return d.fragments[i].offset < d.fragments[j].offset })

	assembled := make([]byte, d.totalLen)
	covered := 0
	for _, f := range d.fragments {
		if f.offset > covered {
			return false, nil, nil // hole before this fragment
		}
		end := f.offset + len(f.data)
		if end > covered {
			copy(assembled[f.offset:end], f.data)
			covered = end
		}
	}
	if covered < d.totalLen {
		return false, nil, nil
	}

	r.table.Delete(key)

	outH := *d.header
	outH.MF = false
	outH.FragOffset = 0
	outH.TotalLength = uint16(outH.HeaderLen() + d.totalLen)
	return true, &outH, assembled
}

// ActiveCount reports the number of in-progress reassemblies for an
// interface, for the IPv4ReassemblyActive gauge.
func (r *Reassembler) ActiveCount(ifaceName string) int {
	n := 0
	for _, k := range r.table.Keys() {
		if k.iface == ifaceName {
			n++
		}
	}
	return n
}

// FlushInterfaceDown discards every in-progress reassembly for
// ifaceName, per §4.C's link-down handling: fragments already queued
// for a dead link will never be completed by a peer retransmission on
// that same link, so holding them only wastes table space until their
// own TTL expiry fires.
func (r *Reassembler) FlushInterfaceDown(ifaceName string) {
	for _, k := range r.table.Keys() {
		if k.iface == ifaceName {
			r.table.Delete(k)
		}
	}
}
