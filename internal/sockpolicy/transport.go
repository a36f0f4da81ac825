package sockpolicy

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// UDPTransport implements radar.Transport (internal/radar/session.go) for
// the three vendors whose command channel is plain UDP unicast (Navico,
// Raymarine, Garmin). Furuno provides its own TCP-backed Transport
// (codec/furuno.Dialer) instead of using this type.
type UDPTransport struct {
	sender UnicastSender
	addr   netip.Addr
	port   uint16
}

// NewUDPTransport parses a "host:port" command endpoint (radar.Info.
// Endpoints.Command) and returns a Transport that sends via sender, which
// must already be bound to the NIC the radar was discovered on.
func NewUDPTransport(sender UnicastSender, endpoint string) (*UDPTransport, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return nil, fmt.Errorf("sockpolicy: parse command endpoint %q: %w", endpoint, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("sockpolicy: parse command address %q: %w", host, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("sockpolicy: parse command port %q: %w", portStr, err)
	}
	return &UDPTransport{sender: sender, addr: addr, port: uint16(port)}, nil
}

// RequiresPoll reports false: UDP unicast vendors push unsolicited reports
// and only need commands sent on demand.
func (t *UDPTransport) RequiresPoll() bool { return false }

// SendCommand sends payload to the radar's command endpoint.
func (t *UDPTransport) SendCommand(ctx context.Context, payload []byte) error {
	return t.sender.Send(ctx, t.addr, t.port, payload)
}

// Close releases the underlying sender.
func (t *UDPTransport) Close() error {
	return t.sender.Close()
}
