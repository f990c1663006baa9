// Package driver defines the narrow interface between the stack and
// a network device. REDESIGN FLAGS calls out the original's per-family
// function-pointer struct (a fixed NicDriver of raw C function
// pointers, several of them nil for device families that don't support
// that capability) as a design smell; Go expresses the same contract
// more safely as a required interface plus optional capability
// interfaces a concrete driver may additionally implement, checked
// with a type assertion instead of a nil-function-pointer check.
//
// This mirrors the teacher's own use of narrow interfaces at its
// boundary layers (routing.linkSource wraps vishvananda/netlink
// behind a two-method interface); the capability-bundle idea itself
// is the standard Go "optional interface" pattern (io.ReaderFrom,
// http.Flusher).
package driver

import "net"

// Driver is the minimum contract every network device adapter must
// satisfy: send a frame and learn about link-carrier transitions.
type Driver interface {
	// SendFrame transmits a fully-formed link-layer frame (including
	// any link-layer header the driver's family requires).
	SendFrame(frame []byte) error

	// SetMACFilter adds (join=true) or removes (join=false) a
	// destination MAC from the device's receive filter. Interfaces
	// that accept all multicast traffic unconditionally may implement
	// this as a no-op.
	SetMACFilter(mac net.HardwareAddr, join bool) error

	// LinkUp reports the last-known carrier state.
	LinkUp() bool
}

// LinkChangeNotifier is an optional capability: drivers backed by a
// real NIC can push asynchronous carrier-change notifications instead
// of requiring the stack to poll LinkUp().
type LinkChangeNotifier interface {
	// NotifyLinkChange registers fn to be called (possibly from
	// another goroutine) whenever carrier state changes. The stack
	// re-enters the single global lock before acting on it.
	NotifyLinkChange(fn func(up bool))
}

// PHYAccessor is an optional capability for devices with an MDIO/SMI-
// addressable PHY, matching the original's distinct read_phy_reg /
// write_phy_reg hooks used only by the Ethernet-family drivers.
type PHYAccessor interface {
	ReadPHYReg(phyAddr uint8, reg uint8) (uint16, error)
	WritePHYReg(phyAddr uint8, reg uint8, value uint16) error
}

// SwitchPortConfigurer is an optional capability for devices that sit
// behind a managed switch fabric and need per-port VLAN/speed
// configuration pushed down, analogous to the original's
// update_mac_config hook used only by switch-attached MACs.
type SwitchPortConfigurer interface {
	ConfigurePort(port uint8, vlan uint16, fullDuplex bool, speedMbps uint32) error
}

// SerialBus is an optional capability for devices configured over a
// shared SMI/SPI bus rather than memory-mapped registers.
type SerialBus interface {
	SMIWrite(phyAddr, reg uint8, value uint16) error
	SMIRead(phyAddr, reg uint8) (uint16, error)
}
