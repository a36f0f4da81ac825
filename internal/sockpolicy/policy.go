// Package sockpolicy encapsulates the platform-dependent multicast and
// unicast socket behaviour spec.md §4.2 calls SocketPolicy, grounded on the
// teacher's internal/netio/{rawsock_linux,sender}.go: dial-then-configure
// sockets via golang.org/x/sys/unix socket options, and a functional-option
// constructor for outbound senders.
package sockpolicy

import (
	"context"
	"net/netip"
)

// Datagram is one received UDP payload plus the metadata needed to route it
// to the right RadarSession.
type Datagram struct {
	Payload []byte
	Src     netip.Addr
	IfName  string
}

// MulticastConn is a joined multicast endpoint.
type MulticastConn interface {
	// Recv blocks until a datagram arrives or ctx is cancelled.
	Recv(ctx context.Context) (Datagram, error)
	Close() error
}

// UnicastSender sends commands to a radar's command address over a
// specific NIC.
type UnicastSender interface {
	Send(ctx context.Context, addr netip.Addr, port uint16, payload []byte) error
	Close() error
}

// Policy is the platform-independent surface the rest of Mayara depends on.
// Three implementations exist: unix (build-tag unix), windows (build-tag
// windows), and Emulated (no build tag, used by locator/session tests).
type Policy interface {
	// OpenMulticast joins group:port on the named interface.
	OpenMulticast(ctx context.Context, group netip.Addr, port uint16, ifName string) (MulticastConn, error)
	// NewSender returns a sender bound to the named interface for
	// send_unicast.
	NewSender(ifName string) (UnicastSender, error)
}
