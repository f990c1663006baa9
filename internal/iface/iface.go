// Package iface models a network interface: its addresses, link state,
// MTU, and the per-interface handles (ARP cache, reassembly queue,
// multicast filter) that other subsystems attach to it. It is the
// stack's answer to REDESIGN FLAGS' complaint about cyclic
// driver/interface references and manual multicast refcounting done
// by hand in C: here the interface owns a plain refcount map instead
// of walking a linked list of filter entries, and it holds its driver
// through a narrow interface (internal/driver) rather than a raw
// function-pointer struct.
//
// Shape and field-level invariants (one tentative/valid/invalid
// address slot, a link-up flag) are grounded on the
// teacher's liveness.ifCache name/index bookkeeping and
// routing.Route's plain-struct-of-fields style; the state machine
// itself is new since the teacher has no interface abstraction at
// this layer.
package iface

import (
	"fmt"
	"net"
	"sync"

	"github.com/nimblenet/corestack/internal/driver"
	"github.com/nimblenet/corestack/internal/stackerr"
)

// AddrState is the lifecycle state of an interface's address entry.
type AddrState uint8

const (
	AddrInvalid AddrState = iota
	AddrTentative
	AddrValid
)

func (s AddrState) String() string {
	switch s {
	case AddrInvalid:
		return "invalid"
	case AddrTentative:
		return "tentative"
	case AddrValid:
		return "valid"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Addr is a single IPv4 address assignment on an interface.
type Addr struct {
	Address  net.IP // 4-byte form
	Mask     net.IPMask
	Gateway  net.IP // zero if none configured
	State    AddrState
	Conflict bool // set when ARP probing detected a duplicate
}

func (a Addr) Network() *net.IPNet {
	return &net.IPNet{IP: a.Address.Mask(a.Mask), Mask: a.Mask}
}

// Interface is one network attachment point: a driver, an address, and
// the bookkeeping other layers (ARP, IPv4 reassembly, multicast)
// key off of it.
type Interface struct {
	mu sync.Mutex

	name    string
	index   int
	driver  driver.Driver
	mtu     int
	hwAddr  net.HardwareAddr
	linkUp  bool
	addr    Addr

	// mcastRefs counts, per multicast group, how many independent
	// subscribers (sockets, NAT hairpin listeners) requested it. The
	// driver's multicast filter is programmed only on the 0→1 and 1→0
	// transitions, replacing the teacher-language original's
	// hand-rolled intrusive list with a map refcount.
	mcastRefs map[[4]byte]int
}

// New constructs an Interface bound to drv, initially link-down and
// unaddressed.
func New(name string, index int, drv driver.Driver, mtu int, hwAddr net.HardwareAddr) *Interface {
	return &Interface{
		name:      name,
		index:     index,
		driver:    drv,
		mtu:       mtu,
		hwAddr:    hwAddr,
		mcastRefs: make(map[[4]byte]int),
	}
}

func (ifc *Interface) Name() string             { return ifc.name }
func (ifc *Interface) Index() int                { return ifc.index }
func (ifc *Interface) MTU() int                   { return ifc.mtu }
func (ifc *Interface) HardwareAddr() net.HardwareAddr { return ifc.hwAddr }
func (ifc *Interface) Driver() driver.Driver      { return ifc.driver }

// SetLinkUp updates the link-carrier flag. The flag is only recorded:
// the egress paths do not consult it. ARP entries are flushed on a
// down transition by internal/stack's scheduler (through internal/arp's
// FlushInterfaceDown), not by Interface itself, since Interface has
// no reference to the ARP cache it serves (cyclic-reference avoidance
// per REDESIGN FLAGS).
func (ifc *Interface) SetLinkUp(up bool) (changed bool) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	changed = ifc.linkUp != up
	ifc.linkUp = up
	return changed
}

func (ifc *Interface) LinkUp() bool {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.linkUp
}

// Configure assigns an address, starting it in Tentative state.
func (ifc *Interface) Configure(address net.IP, mask net.IPMask, gateway net.IP) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	ifc.addr = Addr{
		Address: address.To4(),
		Mask:    mask,
		Gateway: gateway.To4(),
		State:   AddrTentative,
	}
}

// Unconfigure clears the address entry back to Invalid.
func (ifc *Interface) Unconfigure() {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	ifc.addr = Addr{}
}

// MarkValid promotes a Tentative address to Valid once ARP probing
// completes without a conflict.
func (ifc *Interface) MarkValid() {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if ifc.addr.State == AddrTentative {
		ifc.addr.State = AddrValid
	}
}

// MarkConflict flags the current address as conflicting with another
// host on the segment (duplicate-address detection), per §4.D.
func (ifc *Interface) MarkConflict() {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	ifc.addr.Conflict = true
	ifc.addr.State = AddrInvalid
}

// Addr returns a copy of the current address entry.
func (ifc *Interface) Addr() Addr {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.addr
}

// HasValidAddress reports whether the interface has a Valid address,
// the gate most IPv4 operations (origination, ARP replies) check.
func (ifc *Interface) HasValidAddress() bool {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.addr.State == AddrValid
}

// JoinMulticast increments the refcount for group and programs the
// driver's filter on the 0→1 transition.
func (ifc *Interface) JoinMulticast(group [4]byte) error {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	n := ifc.mcastRefs[group]
	if n == 0 {
		mac := MulticastMAC(group)
		if err := ifc.driver.SetMACFilter(mac, true); err != nil {
			return stackerr.Wrap("iface.join_multicast", stackerr.KindInvalidParameter, err)
		}
	}
	ifc.mcastRefs[group] = n + 1
	return nil
}

// LeaveMulticast decrements the refcount, removing the driver filter
// entry once it reaches zero. Leaving a group with no outstanding
// joins is a no-op, matching the teacher's idempotent-unsubscribe
// convention elsewhere (routing.Route teardown).
func (ifc *Interface) LeaveMulticast(group [4]byte) error {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	n, ok := ifc.mcastRefs[group]
	if !ok || n == 0 {
		return nil
	}
	n--
	if n == 0 {
		delete(ifc.mcastRefs, group)
		mac := MulticastMAC(group)
		if err := ifc.driver.SetMACFilter(mac, false); err != nil {
			return stackerr.Wrap("iface.leave_multicast", stackerr.KindInvalidParameter, err)
		}
		return nil
	}
	ifc.mcastRefs[group] = n
	return nil
}

// MulticastRefCount reports the current join count for group (0 if
// not joined), exposed for the host control API and tests.
func (ifc *Interface) MulticastRefCount(group [4]byte) int {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.mcastRefs[group]
}

// MulticastMAC maps an IPv4 multicast group address to its Ethernet
// multicast MAC per RFC 1112: 01-00-5E + low 23 bits of the group.
func MulticastMAC(group [4]byte) net.HardwareAddr {
	return net.HardwareAddr{
		0x01, 0x00, 0x5e,
		group[1] & 0x7f,
		group[2],
		group[3],
	}
}
