package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mayara-project/mayara/internal/capability"
	"github.com/mayara-project/mayara/internal/codec/furuno"
	"github.com/mayara-project/mayara/internal/codec/garmin"
	"github.com/mayara-project/mayara/internal/codec/navico"
	"github.com/mayara-project/mayara/internal/codec/raymarine"
	"github.com/mayara-project/mayara/internal/config"
	"github.com/mayara-project/mayara/internal/intake"
	"github.com/mayara-project/mayara/internal/locator"
	radarmetrics "github.com/mayara-project/mayara/internal/metrics"
	"github.com/mayara-project/mayara/internal/nic"
	"github.com/mayara-project/mayara/internal/radar"
	"github.com/mayara-project/mayara/internal/registry"
	"github.com/mayara-project/mayara/internal/sockpolicy"
	"github.com/mayara-project/mayara/internal/spoke"
	appversion "github.com/mayara-project/mayara/internal/version"
)

// shutdownTimeout bounds how long the metrics HTTP server gets to drain
// in-flight requests during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// nicRefreshInterval bounds how often the NIC inventory re-scans local
// interfaces.
const nicRefreshInterval = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the mayarad daemon: discover radars, maintain sessions, serve metrics",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if code := runServe(configPath); code != 0 {
				return fmt.Errorf("mayarad exited with code %d", code)
			}
			return nil
		},
	}
}

func runServe(path string) int {
	cfg, err := config.Load(path)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("mayarad starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Any("interfaces", cfg.Radar.Interfaces),
	)

	capEngine, err := capability.New()
	if err != nil {
		logger.Error("failed to load capability model database", slog.String("error", err.Error()))
		return 1
	}

	reg := prometheus.NewRegistry()
	collector := radarmetrics.NewCollector(reg)

	pipeline := spoke.New(cfg.Radar.SpokeSubscriberQueue)
	pipeline.SetLagRecorder(collector)

	// Settings persistence (radar.SettingsStore) and a heading source
	// (spoke.HeadingSource) are external collaborators this daemon does not
	// implement a backend for (SPEC_FULL.md non-goals): nil is a valid
	// deployment that simply answers NotSupported for bearingAlignment/
	// noTransmitZones and never attaches a true-north Bearing to spokes.
	reggy := registry.New(capEngine, pipeline, nil, logger)
	defer reggy.Close()

	if err := runDaemon(cfg, reggy, collector, reg, logger, logLevel, path); err != nil {
		logger.Error("mayarad exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("mayarad stopped")
	return 0
}

// runDaemon wires the locator, registry dispatcher, per-radar data-plane
// feeds, and metrics HTTP server together under a single errgroup driven by
// a signal-aware context, grounded on cmd/gobfd/main.go's runServers.
func runDaemon(
	cfg *config.Config,
	reggy *registry.Registry,
	collector *radarmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	logLevel *slog.LevelVar,
	configFilePath string,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	policy := sockpolicy.NewPolicy()
	inv := nic.New(nicRefreshInterval)

	nics, err := selectedInterfaces(cfg, inv)
	if err != nil {
		return fmt.Errorf("select interfaces: %w", err)
	}

	loc := locator.New(policy, enabledCodecs(cfg), nics, logger)

	g.Go(func() error { reggy.RunDispatch(gCtx); return nil })
	g.Go(func() error { return loc.Run(gCtx) })
	g.Go(func() error {
		dispatchDiscoveries(gCtx, loc, reggy, policy, collector, cfg, logger)
		return nil
	})

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error { return runWatchdog(gCtx, logger) })
	g.Go(func() error {
		handleSIGHUP(gCtx, configFilePath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// selectedInterfaces resolves cfg.Radar.Interfaces to concrete NIC names,
// expanding "all" via the Inventory the way spec.md §4.1 asks for.
func selectedInterfaces(cfg *config.Config, inv *nic.Inventory) ([]string, error) {
	if !cfg.ScansAllInterfaces() {
		return cfg.Radar.Interfaces, nil
	}
	ifaces, err := inv.List()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ifaces))
	for _, ifc := range ifaces {
		names = append(names, ifc.Name)
	}
	return names, nil
}

// enabledCodecs returns the BeaconCodec set for every vendor cfg.Radar.
// AllowedVendors permits (all four when unset).
func enabledCodecs(cfg *config.Config) []locator.BeaconCodec {
	all := []struct {
		name  string
		codec locator.BeaconCodec
	}{
		{"navico", navico.Codec{}},
		{"furuno", furuno.Codec{}},
		{"raymarine", raymarine.Codec{}},
		{"garmin", garmin.Codec{}},
	}

	out := make([]locator.BeaconCodec, 0, len(all))
	for _, v := range all {
		if cfg.VendorAllowed(v.name) {
			out = append(out, v.codec)
		}
	}
	return out
}

// dispatchDiscoveries drains the Locator's Discovered channel, routing a
// re-observed radar to its existing session or registering a brand new one,
// complete with the Transport/data-plane feed its vendor requires.
func dispatchDiscoveries(
	ctx context.Context,
	loc *locator.Locator,
	reggy *registry.Registry,
	policy sockpolicy.Policy,
	collector *radarmetrics.Collector,
	cfg *config.Config,
	logger *slog.Logger,
) {
	sessionCfg := radar.Config{
		PollInterval:   cfg.PollInterval(),
		CommandTimeout: cfg.CommandTimeout(),
		LostTimeout:    cfg.LostTimeout(),
		GraceTimeout:   cfg.DiscoveryGrace(),
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-loc.Discovered():
			if reggy.NotifyBeacon(d.Info.Id) {
				continue
			}
			addDiscoveredRadar(ctx, d.Info, reggy, policy, collector, sessionCfg, logger)
		}
	}
}

func addDiscoveredRadar(
	ctx context.Context,
	info radar.Info,
	reggy *registry.Registry,
	policy sockpolicy.Policy,
	collector *radarmetrics.Collector,
	sessionCfg radar.Config,
	logger *slog.Logger,
) {
	codec, xport, err := buildVendorHandles(info, policy)
	if err != nil {
		logger.Warn("failed to build transport for discovered radar",
			slog.String("radar", string(info.Id)), slog.String("error", err.Error()))
		return
	}

	session := reggy.Add(ctx, info, codec, xport, collector, sessionCfg)
	logger.Info("radar discovered", slog.String("radar", string(info.Id)), slog.String("vendor", info.Vendor.String()))

	switch dialer := xport.(type) {
	case *furuno.Dialer:
		go func() {
			if err := dialer.ReadLoop(ctx, session); err != nil && ctx.Err() == nil {
				logger.Warn("furuno read loop ended", slog.String("radar", string(info.Id)), slog.String("error", err.Error()))
			}
		}()
	default:
		go func() {
			if err := intake.Feed(ctx, policy, info, session, logger); err != nil && ctx.Err() == nil {
				logger.Warn("data-plane feed ended", slog.String("radar", string(info.Id)), slog.String("error", err.Error()))
			}
		}()
	}
}

// buildVendorHandles returns the Codec and Transport a newly discovered
// radar needs, picked by vendor: Furuno gets its own TCP Dialer, the other
// three share sockpolicy.UDPTransport over a NIC-bound UnicastSender.
func buildVendorHandles(info radar.Info, policy sockpolicy.Policy) (radar.Codec, radar.Transport, error) {
	if info.Vendor == radar.VendorFuruno {
		return furuno.Codec{}, furuno.NewDialer(info.Endpoints.Command), nil
	}

	sender, err := policy.NewSender(info.NIC)
	if err != nil {
		return nil, nil, fmt.Errorf("new unicast sender on %s: %w", info.NIC, err)
	}
	xport, err := sockpolicy.NewUDPTransport(sender, info.Endpoints.Command)
	if err != nil {
		sender.Close()
		return nil, nil, err
	}

	var codec radar.Codec
	switch info.Vendor {
	case radar.VendorNavico:
		codec = navico.Codec{}
	case radar.VendorRaymarine:
		codec = raymarine.Codec{}
	case radar.VendorGarmin:
		codec = garmin.Codec{}
	default:
		xport.Close()
		return nil, nil, fmt.Errorf("unsupported vendor %s", info.Vendor)
	}
	return codec, xport, nil
}

// -------------------------------------------------------------------------
// Systemd integration — sd_notify + watchdog, grounded on cmd/gobfd/main.go.
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	tick := interval / 2
	logger.Info("systemd watchdog enabled", slog.Duration("watchdog_sec", interval), slog.Duration("keepalive_interval", tick))

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

// handleSIGHUP reloads the log level from a fresh config read on SIGHUP.
// Declarative radar reconciliation has no analogue here (radars are
// discovered, never declared), so reload is limited to what spec.md §6
// allows changing live.
func handleSIGHUP(ctx context.Context, configFilePath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	defer signal.Stop(sigHUP)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			newCfg, err := config.Load(configFilePath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
				continue
			}
			oldLevel := logLevel.Level()
			newLevel := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(newLevel)
			logger.Info("configuration reloaded", slog.String("old_log_level", oldLevel.String()), slog.String("new_log_level", newLevel.String()))
		}
	}
}

// gracefulShutdown signals systemd and drains the metrics server within
// shutdownTimeout. Session teardown itself happens via Registry.Close,
// deferred in runServe.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, srv *http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
