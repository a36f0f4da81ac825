// Package nic enumerates local network interfaces and selects the right
// one for a given target address, grounded on the teacher's
// internal/netio/ifmon.go interface-tracking package, generalised here from
// event-driven up/down tracking to the lazy-refreshed list() + select_for()
// shape spec.md §4.1 asks for.
package nic

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// ErrNoRouteToRadar is returned by SelectFor when the interface inventory
// is empty.
var ErrNoRouteToRadar = errors.New("no route to radar: interface inventory is empty")

// Interface is one non-loopback IPv4-capable NIC.
type Interface struct {
	Name string
	Nets []netip.Prefix
}

// Inventory is a lazily-refreshed cache of local non-loopback interfaces.
// Pure with respect to sockets: it never opens one.
type Inventory struct {
	refresh time.Duration
	lookup  func() ([]net.Interface, error)

	mu       sync.Mutex
	cached   []Interface
	lastScan time.Time
}

// New returns an Inventory refreshed at most once per refresh.
func New(refresh time.Duration) *Inventory {
	return &Inventory{
		refresh: refresh,
		lookup:  net.Interfaces,
	}
}

// List returns the current non-loopback interface set, refreshing the
// cache if it's older than the configured interval.
func (inv *Inventory) List() ([]Interface, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if time.Since(inv.lastScan) < inv.refresh && inv.cached != nil {
		return inv.cached, nil
	}

	ifaces, err := inv.lookup()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}

	var out []Interface
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ifc.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		var nets []netip.Prefix
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipNet.IP.To4())
			if !ok {
				continue
			}
			ones, _ := ipNet.Mask.Size()
			prefix := netip.PrefixFrom(ip, ones)
			nets = append(nets, prefix)
		}
		if len(nets) == 0 {
			continue
		}
		out = append(out, Interface{Name: ifc.Name, Nets: nets})
	}

	inv.cached = out
	inv.lastScan = time.Now()
	return out, nil
}

var linkLocalPrefix = netip.MustParsePrefix("169.254.0.0/16")
var vendorSegmentPrefix = netip.MustParsePrefix("172.31.0.0/16")

// SelectFor returns the preferred NIC for sending to target, using the
// three-tier priority rule of spec.md §4.1.
func (inv *Inventory) SelectFor(target netip.Addr) (Interface, error) {
	ifaces, err := inv.List()
	if err != nil {
		return Interface{}, err
	}
	if len(ifaces) == 0 {
		return Interface{}, ErrNoRouteToRadar
	}

	// 1. NIC whose subnet contains target.
	for _, ifc := range ifaces {
		for _, n := range ifc.Nets {
			if n.Contains(target) {
				return ifc, nil
			}
		}
	}

	// 2. Link-local target: prefer the vendor-dedicated segment, else a
	// wired-ethernet-named NIC.
	if linkLocalPrefix.Contains(target) {
		for _, ifc := range ifaces {
			for _, n := range ifc.Nets {
				if vendorSegmentPrefix.Overlaps(n) {
					return ifc, nil
				}
			}
		}
		for _, ifc := range ifaces {
			if looksWired(ifc.Name) {
				return ifc, nil
			}
		}
	}

	// 3. First non-loopback NIC.
	return ifaces[0], nil
}

func looksWired(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range []string{"eth", "en", "eno", "ens", "enp"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
