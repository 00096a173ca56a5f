package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/wolfeidau/strm-proxy/access"
	"github.com/wolfeidau/strm-proxy/cache"
	"github.com/wolfeidau/strm-proxy/clients"
	"github.com/wolfeidau/strm-proxy/config"
	"github.com/wolfeidau/strm-proxy/config/opprovider"
	"github.com/wolfeidau/strm-proxy/download"
	"github.com/wolfeidau/strm-proxy/mediaserver"
	"github.com/wolfeidau/strm-proxy/provider"
	"github.com/wolfeidau/strm-proxy/resolver"
	"github.com/wolfeidau/strm-proxy/rewrite"
	"github.com/wolfeidau/strm-proxy/server"
	"github.com/wolfeidau/strm-proxy/store/legacy"
	"github.com/wolfeidau/strm-proxy/store/metadb"
	"github.com/wolfeidau/strm-proxy/telemetry"
)

const (
	serviceName = "strm-proxy"
	dbFile      = "strm-proxy.db"

	telemetryShutdownTimeout = 5 * time.Second
)

// ServeCmd runs both listeners until SIGINT or SIGTERM.
type ServeCmd struct {
	Config    string `help:"Path to the YAML config file." default:"config.yaml" env:"STRM_PROXY_CONFIG" type:"path"`
	DataDir   string `help:"Directory for the metadata store." default:"./data" env:"STRM_PROXY_DATA_DIR" type:"path"`
	LegacyDir string `help:"Directory holding legacy JSON files to import at startup." type:"path"`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := g.logger("info")
	if err != nil {
		return err
	}

	mgr := newManager(c.Config, logger)
	cfg, err := mgr.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if g.LogLevel == "" && cfg.Service.LogLevel != "" {
		if logger, err = g.logger(cfg.Service.LogLevel); err != nil {
			return err
		}
	}
	slog.SetDefault(logger)

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      serviceName,
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Telemetry.OTLPMetrics,
		EnablePrometheus: cfg.Telemetry.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer shutdownTelemetry(logger, "metrics", shutdownMetrics)

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPTraces,
		SampleRate:     cfg.Telemetry.TraceSampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer shutdownTelemetry(logger, "tracing", shutdownTracing)

	db, err := openStore(c.DataDir, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if c.LegacyDir != "" {
		if _, err := legacy.Import(ctx, db, c.LegacyDir, legacy.WithLogger(logger)); err != nil {
			logger.Warn("legacy import failed", "dir", c.LegacyDir, "error", err)
		}
	}

	cacheOpts := cache.Options{
		HotSize: cfg.Cache.HotSize,
		HotTTL:  cfg.Cache.HotTTL,
		Logger:  logger,
	}
	if cfg.Cache.RedisURL != "" {
		rdb, err := cache.NewRedisClient(cfg.Cache.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		cacheOpts.Redis = rdb
	}
	tiers := cache.NewTiers(db, cacheOpts)

	runCtx, cancel := context.WithCancel(ctx)
	var background sync.WaitGroup
	defer background.Wait()
	defer cancel()

	reaper := metadb.NewExpiryReaper(db,
		metadb.WithReaperInterval(cfg.Cache.ReaperInterval),
		metadb.WithClientTimeout(cfg.Cache.ClientTimeout),
		metadb.WithReaperLogger(logger.With("component", "reaper")),
	)
	background.Go(func() { reaper.Run(runCtx) })

	transportCfg := mediaserver.TransportConfig{
		SSLVerify: cfg.Emby.SSLVerify,
		Logger:    logger,
	}
	upstream := mediaserver.NewTransport(transportCfg)
	emby := mediaserver.NewClient(cfg.Emby.Server, cfg.Emby.APIKey,
		mediaserver.WithHTTPClient(&http.Client{Timeout: mediaserver.DefaultTimeout, Transport: upstream}),
		mediaserver.WithLogger(logger),
	)
	pan := provider.NewClient(cfg.Pan123.ClientID, cfg.Pan123.ClientSecret,
		provider.WithBaseURL(cfg.Pan123.APIBase),
		provider.WithLogger(logger),
	)

	res := resolver.New(tiers, mgr.Current,
		resolver.WithItemSource(emby),
		resolver.WithProvider(pan),
		resolver.WithLogger(logger),
	)
	defer res.Close()

	srv, err := server.New(server.Config{
		Settings: mgr,
		Resolver: res,
		Rewriter: rewrite.New(res, rewrite.WithLogger(logger)),
		Filter:   access.NewFilter(access.WithLogger(logger)),
		Tracker: clients.NewTracker(db, emby,
			clients.WithTimeout(cfg.Cache.ClientTimeout),
			clients.WithLogger(logger),
		),
		Relay:            download.NewRelay(download.WithRelayLogger(logger)),
		Store:            db,
		Cache:            tiers,
		Upstream:         upstream,
		UpgradeTransport: mediaserver.NewUpgradeTransport(transportCfg),
		Version:          version,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	proxyAddr, serviceAddr := srv.Addresses()
	logger.Info("strm-proxy started",
		"version", version,
		"config", mgr.Path(),
		"proxy", proxyAddr,
		"service", serviceAddr,
		"emby", cfg.Emby.Server,
		"redis", cfg.Cache.RedisURL != "",
	)

	return srv.Start(runCtx)
}

func newManager(path string, logger *slog.Logger) *config.Manager {
	return config.NewManager(path,
		config.WithManagerLogger(logger),
		config.WithResolver(config.NewResolver(
			config.WithLogger(logger),
			opprovider.WithOnePassword(),
		)),
	)
}

func openStore(dir string, logger *slog.Logger) (*metadb.BoltDB, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db := metadb.NewBoltDB(metadb.WithLogger(logger))
	if err := db.Open(filepath.Join(dir, dbFile)); err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}
	return db, nil
}

func shutdownTelemetry(logger *slog.Logger, name string, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown failed", "provider", name, "error", err)
	}
}
