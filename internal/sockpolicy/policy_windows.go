//go:build windows

package sockpolicy

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
)

// WindowsPolicy implements Policy on Windows: bind to 0.0.0.0:port (binding
// directly to a multicast group address is unsupported on Windows) and
// join per-NIC after bind. There is no IP_MULTICAST_ALL equivalent on
// Windows, so group filtering relies entirely on the per-socket join list.
type WindowsPolicy struct{}

// NewPolicy returns the windows SocketPolicy implementation.
func NewPolicy() *WindowsPolicy {
	return &WindowsPolicy{}
}

func (WindowsPolicy) OpenMulticast(ctx context.Context, group netip.Addr, port uint16, ifName string) (MulticastConn, error) {
	pc, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind multicast port %d: %w", port, err)
	}
	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("bind multicast port %d: unexpected connection type", port)
	}

	p := ipv4.NewPacketConn(udpConn)

	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		_ = udpConn.Close()
		return nil, fmt.Errorf("lookup interface %s: %w", ifName, err)
	}
	ifGroup := &net.UDPAddr{IP: group.AsSlice()}
	if err := p.JoinGroup(iface, ifGroup); err != nil {
		_ = udpConn.Close()
		return nil, fmt.Errorf("join group %s on %s: %w", group, ifName, err)
	}

	return &windowsMulticastConn{conn: udpConn, pktConn: p, iface: iface, group: ifGroup, ifName: ifName}, nil
}

func (WindowsPolicy) NewSender(ifName string) (UnicastSender, error) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("create unicast sender on %s: %w", ifName, err)
	}
	return &windowsSender{conn: conn}, nil
}

type windowsMulticastConn struct {
	conn    *net.UDPConn
	pktConn *ipv4.PacketConn
	iface   *net.Interface
	group   *net.UDPAddr
	ifName  string

	mu     sync.Mutex
	closed bool
}

func (c *windowsMulticastConn) Recv(ctx context.Context) (Datagram, error) {
	type result struct {
		dg  Datagram
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 65507)
		n, src, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			done <- result{err: fmt.Errorf("recv multicast on %s: %w", c.ifName, err)}
			return
		}
		addr, _ := netip.AddrFromSlice(src.IP.To4())
		done <- result{dg: Datagram{Payload: buf[:n], Src: addr, IfName: c.ifName}}
	}()

	select {
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	case r := <-done:
		return r.dg, r.err
	}
}

func (c *windowsMulticastConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.pktConn.LeaveGroup(c.iface, c.group)
	return c.conn.Close()
}

type windowsSender struct {
	conn *net.UDPConn
}

func (s *windowsSender) Send(_ context.Context, addr netip.Addr, port uint16, payload []byte) error {
	dst := net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, port))
	if _, err := s.conn.WriteToUDP(payload, dst); err != nil {
		return fmt.Errorf("send unicast to %s: %w", dst, err)
	}
	return nil
}

func (s *windowsSender) Close() error {
	return s.conn.Close()
}
