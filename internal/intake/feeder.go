// Package intake wires a discovered radar's Spoke and Report multicast
// endpoints into its RadarSession, grounded on internal/netio/receiver.go's
// one-goroutine-per-endpoint demux discipline (the same shape
// internal/locator uses for beacons, generalised here to a single radar's
// two data planes instead of one vendor's beacon plane).
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mayara-project/mayara/internal/radar"
	"github.com/mayara-project/mayara/internal/sockpolicy"
)

// Sink is the subset of *radar.Session intake needs to deliver datagrams.
type Sink interface {
	DeliverSpoke(payload []byte)
	DeliverReport(payload []byte)
}

// Feed joins info's Spoke and Report multicast endpoints (when present) on
// info.NIC and relays every datagram into sink until ctx is cancelled.
// Furuno radars advertise neither endpoint (their reports arrive over the
// command TCP connection instead, see codec/furuno.Dialer.ReadLoop) so Feed
// is a no-op for them.
func Feed(ctx context.Context, policy sockpolicy.Policy, info radar.Info, sink Sink, logger *slog.Logger) error {
	logger = logger.With(slog.String("component", "intake"), slog.String("radar", string(info.Id)))

	g, ctx := errgroup.WithContext(ctx)

	if info.Endpoints.Spoke != "" {
		g.Go(func() error {
			joinAndRelay(ctx, policy, info.Endpoints.Spoke, info.NIC, logger, sink.DeliverSpoke)
			return nil
		})
	}
	if info.Endpoints.Report != "" {
		g.Go(func() error {
			joinAndRelay(ctx, policy, info.Endpoints.Report, info.NIC, logger, sink.DeliverReport)
			return nil
		})
	}

	return g.Wait()
}

func joinAndRelay(ctx context.Context, policy sockpolicy.Policy, endpoint, ifName string, logger *slog.Logger, deliver func([]byte)) {
	group, port, err := parseEndpoint(endpoint)
	if err != nil {
		logger.Warn("invalid endpoint, not joining", slog.String("endpoint", endpoint), slog.String("error", err.Error()))
		return
	}

	conn, err := policy.OpenMulticast(ctx, group, port, ifName)
	if err != nil {
		logger.Warn("open multicast failed", slog.String("endpoint", endpoint), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	for {
		dg, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debug("recv error", slog.String("error", err.Error()))
			return
		}
		deliver(dg.Payload)
	}
}

func parseEndpoint(endpoint string) (netip.Addr, uint16, error) {
	host, portStr, ok := strings.Cut(endpoint, ":")
	if !ok {
		return netip.Addr{}, 0, fmt.Errorf("intake: malformed endpoint %q", endpoint)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("intake: parse address %q: %w", host, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("intake: parse port %q: %w", portStr, err)
	}
	return addr, uint16(port), nil
}
