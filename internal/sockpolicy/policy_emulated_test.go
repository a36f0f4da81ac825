package sockpolicy

import (
	"context"
	"net/netip"
	"testing"
	"time"
)

func TestEmulated_InjectDeliversToAllSubscribers(t *testing.T) {
	mesh := NewEmulated()
	group := netip.MustParseAddr("239.254.1.0")

	c1, err := mesh.OpenMulticast(context.Background(), group, 1234, "eth0")
	if err != nil {
		t.Fatalf("OpenMulticast c1: %v", err)
	}
	c2, err := mesh.OpenMulticast(context.Background(), group, 1234, "eth1")
	if err != nil {
		t.Fatalf("OpenMulticast c2: %v", err)
	}
	defer c1.Close()
	defer c2.Close()

	mesh.Inject(group, 1234, netip.MustParseAddr("10.0.0.5"), []byte("beacon"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	dg1, err := c1.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv c1: %v", err)
	}
	if string(dg1.Payload) != "beacon" || dg1.IfName != "eth0" {
		t.Fatalf("got %+v, want payload=beacon ifName=eth0", dg1)
	}

	dg2, err := c2.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv c2: %v", err)
	}
	if dg2.IfName != "eth1" {
		t.Fatalf("got ifName=%s, want eth1", dg2.IfName)
	}
}

func TestEmulated_CloseStopsDelivery(t *testing.T) {
	mesh := NewEmulated()
	group := netip.MustParseAddr("239.254.1.0")

	c, err := mesh.OpenMulticast(context.Background(), group, 1234, "eth0")
	if err != nil {
		t.Fatalf("OpenMulticast: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mesh.Inject(group, 1234, netip.MustParseAddr("10.0.0.5"), []byte("beacon"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Recv(ctx); err == nil {
		t.Fatalf("Recv on closed conn: got nil error, want one")
	}
}
