package sockpolicy

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
)

// Emulated implements Policy as an in-process virtual mesh: joining a
// group:port registers a subscriber channel, and Inject delivers a
// datagram to every subscriber of that group:port regardless of interface.
// Used by locator/session tests so they never need real sockets, grounded
// on spec.md §4.2's explicit "Emulated (test): a virtual mesh in-process."
type Emulated struct {
	mu    sync.Mutex
	conns map[groupKey][]*emulatedConn
}

type groupKey struct {
	group netip.Addr
	port  uint16
}

// NewEmulated returns a fresh virtual mesh.
func NewEmulated() *Emulated {
	return &Emulated{conns: make(map[groupKey][]*emulatedConn)}
}

func (e *Emulated) OpenMulticast(_ context.Context, group netip.Addr, port uint16, ifName string) (MulticastConn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := &emulatedConn{
		mesh:   e,
		key:    groupKey{group, port},
		ifName: ifName,
		ch:     make(chan Datagram, 64),
	}
	e.conns[c.key] = append(e.conns[c.key], c)
	return c, nil
}

func (e *Emulated) NewSender(ifName string) (UnicastSender, error) {
	return &emulatedSender{mesh: e, ifName: ifName}, nil
}

// Inject delivers payload from src to every subscriber of group:port; each
// copy carries the receiving subscriber's own interface name as IfName.
func (e *Emulated) Inject(group netip.Addr, port uint16, src netip.Addr, payload []byte) {
	e.mu.Lock()
	conns := append([]*emulatedConn(nil), e.conns[groupKey{group, port}]...)
	e.mu.Unlock()

	for _, c := range conns {
		dg := Datagram{Payload: append([]byte(nil), payload...), Src: src, IfName: c.ifName}
		select {
		case c.ch <- dg:
		default:
		}
	}
}

type emulatedConn struct {
	mesh   *Emulated
	key    groupKey
	ifName string
	ch     chan Datagram

	mu     sync.Mutex
	closed bool
}

func (c *emulatedConn) Recv(ctx context.Context) (Datagram, error) {
	select {
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	case dg, ok := <-c.ch:
		if !ok {
			return Datagram{}, fmt.Errorf("emulated conn closed")
		}
		return dg, nil
	}
}

func (c *emulatedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.mesh.mu.Lock()
	defer c.mesh.mu.Unlock()
	subs := c.mesh.conns[c.key]
	for i, sub := range subs {
		if sub == c {
			c.mesh.conns[c.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(c.ch)
	return nil
}

type emulatedSender struct {
	mesh   *Emulated
	ifName string
}

// Send in the emulated mesh is a no-op beyond bookkeeping: tests assert on
// what a fake Transport recorded, not on wire bytes crossing the mesh,
// since command channels in spec.md §4.2 are unicast and out of scope for
// the multicast mesh this type emulates.
func (s *emulatedSender) Send(context.Context, netip.Addr, uint16, []byte) error {
	return nil
}

func (s *emulatedSender) Close() error { return nil }
