//go:build unix

package sockpolicy

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// UnixPolicy implements Policy on Linux/BSD/Darwin: bind to group:port,
// join IP_ADD_MEMBERSHIP per NIC via golang.org/x/net/ipv4.PacketConn, and
// set IP_MULTICAST_ALL=0 so the kernel only delivers datagrams for groups
// this socket actually joined — required because several vendor beacon
// groups can share a port across different multicast ranges.
type UnixPolicy struct{}

// NewPolicy returns the unix SocketPolicy implementation.
func NewPolicy() *UnixPolicy {
	return &UnixPolicy{}
}

func (UnixPolicy) OpenMulticast(ctx context.Context, group netip.Addr, port uint16, ifName string) (MulticastConn, error) {
	laddr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(group, port))

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setMulticastListenerOpts(int(fd))
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp4", laddr.String())
	if err != nil {
		return nil, fmt.Errorf("bind multicast %s: %w", laddr, err)
	}
	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("bind multicast %s: unexpected connection type", laddr)
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

	return &unixMulticastConn{conn: udpConn, pktConn: p, iface: iface, group: ifGroup, ifName: ifName}, nil
}

func (UnixPolicy) NewSender(ifName string) (UnicastSender, error) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("create unicast sender on %s: %w", ifName, err)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("raw conn for sender on %s: %w", ifName, err)
	}
	var sockErr error
	if err := rawConn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifName)
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bind sender to %s: %w", ifName, err)
	}
	if sockErr != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("SO_BINDTODEVICE(%s): %w", ifName, sockErr)
	}

	return &unixSender{conn: conn}, nil
}

type unixMulticastConn struct {
	conn    *net.UDPConn
	pktConn *ipv4.PacketConn
	iface   *net.Interface
	group   *net.UDPAddr
	ifName  string

	mu     sync.Mutex
	closed bool
}

func (c *unixMulticastConn) Recv(ctx context.Context) (Datagram, error) {
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
		_ = c.conn.SetReadDeadline(timeInPast())
		<-done
		return Datagram{}, ctx.Err()
	case r := <-done:
		return r.dg, r.err
	}
}

func (c *unixMulticastConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.pktConn.LeaveGroup(c.iface, c.group)
	return c.conn.Close()
}

type unixSender struct {
	conn *net.UDPConn
}

func (s *unixSender) Send(_ context.Context, addr netip.Addr, port uint16, payload []byte) error {
	dst := net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, port))
	if _, err := s.conn.WriteToUDP(payload, dst); err != nil {
		return fmt.Errorf("send unicast to %s: %w", dst, err)
	}
	return nil
}

func (s *unixSender) Close() error {
	return s.conn.Close()
}

func timeInPast() time.Time {
	return time.Now().Add(-time.Second)
}

// setMulticastListenerOpts sets SO_REUSEADDR (several vendor beacon
// listeners may share a port across different groups) and disables
// IP_MULTICAST_ALL so the kernel filters by joined group.
func setMulticastListenerOpts(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_ALL, 0); err != nil {
		return fmt.Errorf("set IP_MULTICAST_ALL=0: %w", err)
	}
	return nil
}
