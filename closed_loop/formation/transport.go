package formation

import "net/netip"

// Datagram is one received payload and its source address.
type Datagram struct {
	Payload []byte
	From    netip.Addr
}

// Transport is best-effort datagram delivery with broadcast. Implementations
// never block the caller.
type Transport interface {
	// Send queues payload for dst, or for the subnet broadcast address when
	// dst is invalid. It reports false when the datagram was dropped. The
	// payload is not retained after Send returns.
	Send(payload []byte, dst netip.Addr) bool
	// Poll appends every pending datagram to dst and returns it.
	Poll(dst []Datagram) []Datagram
	// Self returns this node's hardware and IPv4 address.
	Self() (MAC, netip.Addr)
}
