// Package locator runs the four vendor beacon listeners concurrently and
// emits Discovered records for the Registry to turn into RadarSessions.
// Grounded on internal/netio/receiver.go's one-goroutine-per-listener
// demux loop, generalised from a single BFD Demuxer to one BeaconCodec per
// vendor and supervised with golang.org/x/sync/errgroup the way
// cmd/gobfd/main.go supervises its top-level servers.
package locator

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mayara-project/mayara/internal/radar"
	"github.com/mayara-project/mayara/internal/sockpolicy"
)

// BeaconCodec decodes one vendor's beacon wire format. Implementations
// live under internal/codec/<vendor>.
type BeaconCodec interface {
	Vendor() radar.Vendor
	Group() netip.Addr
	Port() uint16
	// ParseBeacon returns the set of RadarInfo records a single beacon
	// announces — more than one for a dual-range/dual-scan unit.
	ParseBeacon(payload []byte, src netip.Addr, ifName string) ([]radar.Info, error)
}

// Discovered is emitted for every (re)observed radar.
type Discovered struct {
	Info radar.Info
}

// Locator owns the set of vendor beacon listeners.
type Locator struct {
	policy sockpolicy.Policy
	codecs []BeaconCodec
	nics   []string
	logger *slog.Logger

	out chan Discovered
}

// New constructs a Locator that will listen for every codec on every NIC.
func New(policy sockpolicy.Policy, codecs []BeaconCodec, nics []string, logger *slog.Logger) *Locator {
	return &Locator{
		policy: policy,
		codecs: codecs,
		nics:   nics,
		logger: logger.With(slog.String("component", "locator")),
		out:    make(chan Discovered, 64),
	}
}

// Discovered returns the channel the Registry drains.
func (l *Locator) Discovered() <-chan Discovered {
	return l.out
}

// Run joins every vendor's multicast group on every NIC and blocks until
// ctx is cancelled, per spec.md §4.2's "join each relevant multicast group
// on every non-loopback NIC."
func (l *Locator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, codec := range l.codecs {
		for _, ifName := range l.nics {
			codec, ifName := codec, ifName
			g.Go(func() error {
				l.listenWithRetry(ctx, codec, ifName)
				return nil
			})
		}
	}

	return g.Wait()
}

// listenWithRetry keeps a (vendor, NIC) listener alive across transient
// join failures, backing off 1s,2s,4s,...capped at 30s — the same
// doubling-with-cap shape as the teacher's jitter/interval helpers, here
// applied to reconnect delay rather than TX interval.
func (l *Locator) listenWithRetry(ctx context.Context, codec BeaconCodec, ifName string) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := l.policy.OpenMulticast(ctx, codec.Group(), codec.Port(), ifName)
		if err != nil {
			l.logger.Warn("open multicast failed, retrying",
				slog.String("vendor", codec.Vendor().String()),
				slog.String("nic", ifName),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second
		l.recvLoop(ctx, codec, ifName, conn)

		if ctx.Err() != nil {
			return
		}
	}
}

func (l *Locator) recvLoop(ctx context.Context, codec BeaconCodec, ifName string, conn sockpolicy.MulticastConn) {
	defer conn.Close()

	for {
		dg, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Debug("recv error", slog.String("error", err.Error()))
			return
		}

		infos, err := codec.ParseBeacon(dg.Payload, dg.Src, ifName)
		if err != nil {
			l.logger.Debug("invalid beacon, dropping",
				slog.String("vendor", codec.Vendor().String()),
				slog.String("src", dg.Src.String()),
				slog.String("error", err.Error()),
			)
			continue // Drop invalid beacons silently, per the locator's silent-band error policy.
		}

		for _, info := range infos {
			select {
			case l.out <- Discovered{Info: info}:
			case <-ctx.Done():
				return
			}
		}
	}
}
