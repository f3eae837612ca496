// Command dhcpv4d runs a standalone DHCPv4 server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"dhcpv4d/internal/config"
	"dhcpv4d/internal/engine"
	"dhcpv4d/internal/lease"
	"dhcpv4d/internal/metrics"
	"dhcpv4d/internal/persist"
	"dhcpv4d/internal/pool"
	"dhcpv4d/internal/server"
	"dhcpv4d/internal/transport"
)

func main() {
	configPath := flag.String("config", "dhcpv4d.yaml", "path to the configuration file")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on, empty to disable")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	lvl := slog.LevelInfo
	if *verbose {
		lvl = slog.LevelDebug
	}

	logger := slogutil.New(&slogutil.Config{
		Format:       slogutil.FormatText,
		Level:        lvl,
		AddTimestamp: true,
	})

	err := run(context.Background(), *configPath, *metricsAddr, logger)
	if err != nil {
		logger.Error("dhcpv4d exiting", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, metricsAddr string, logger *slog.Logger) (err error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	p, err := pool.New(cfg.PoolRange)
	if err != nil {
		return fmt.Errorf("creating pool: %w", err)
	}

	clock := timeutil.SystemClock{}
	table := lease.New(cfg.DefaultLeaseTime, clock)

	err = loadLeases(cfg, table, p)
	if err != nil {
		return fmt.Errorf("loading leases: %w", err)
	}

	tr, err := transport.Listen(ctx, cfg.Endpoint, logger)
	if err != nil {
		return fmt.Errorf("binding transport: %w", err)
	}

	serverID := cfg.ServerID
	if !serverID.IsValid() {
		serverID = cfg.Endpoint.Addr()
	}

	e := engine.New(table, p, tr, engine.Config{
		ServerID:      serverID,
		BroadcastAddr: cfg.EffectiveBroadcastAddr(),
		Options:       cfg.EngineOptions(),
		MinPacketSize: cfg.EffectiveMinPacketSize(),
		Logger:        logger,
		Metrics:       m,
	})

	srv := server.New(e, table, tr, clock, m, logger)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		httpSrv := &http.Server{Addr: metricsAddr, Handler: mux}

		go func() {
			lerr := httpSrv.ListenAndServe()
			if lerr != nil && !errors.Is(lerr, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", lerr)
			}
		}()
		defer func() { _ = httpSrv.Close() }()
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	statusCh := srv.StatusEvents()
	go func() {
		for st := range statusCh {
			if !st.Active {
				logger.Info("dhcp server became inactive", "reason", st.Reason)
			}
		}
	}()

	srv.Start(sigCtx)
	logger.Info("dhcp server listening", "endpoint", cfg.Endpoint, "server_id", serverID)

	<-sigCtx.Done()
	logger.Info("shutting down")

	stopErr := srv.Stop()
	saveErr := saveLeases(cfg, table)

	return errors.Join(stopErr, saveErr)
}

// loadConfig reads and validates the configuration file at path.
func loadConfig(path string) (cfg *config.Config, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	cfg = &config.Config{}
	err = yaml.NewDecoder(f).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}

	return cfg, nil
}

// loadLeases reserves cfg.InitialLeases against p and cfg.StateFile's
// persisted snapshot against p, then bulk-loads both into table.
func loadLeases(cfg *config.Config, table *lease.Table, p *pool.Pool) (err error) {
	var leases []*lease.Lease

	for _, lc := range cfg.InitialLeases {
		hw, perr := net.ParseMAC(lc.HWAddr)
		if perr != nil {
			return fmt.Errorf("initial lease %s: %w", lc.HWAddr, perr)
		}

		leases = append(leases, &lease.Lease{
			HWAddr:   []byte(hw),
			Hostname: lc.Hostname,
			Address:  lc.Address,
			Status:   lease.Bound,
			Static:   true,
		})
	}

	if cfg.StateFile != "" {
		persisted, lerr := persist.Load(cfg.StateFile)
		if lerr != nil {
			return fmt.Errorf("loading state file: %w", lerr)
		}

		leases = append(leases, persisted...)
	}

	table.Load(leases, func(addr netip.Addr) (ok bool) {
		return p.AllocateSpecific(addr, nil)
	})

	return nil
}

// saveLeases writes the current lease table to cfg.StateFile, if configured.
func saveLeases(cfg *config.Config, table *lease.Table) (err error) {
	if cfg.StateFile == "" {
		return nil
	}

	return persist.Save(cfg.StateFile, table.Snapshot())
}
