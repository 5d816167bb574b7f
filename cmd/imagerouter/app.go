package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/imagerouter"
	"github.com/ineyio/imagerouter/meter"
	"github.com/ineyio/imagerouter/store"
	storepg "github.com/ineyio/imagerouter/store/postgres"
	storeredis "github.com/ineyio/imagerouter/store/redis"
	"github.com/ineyio/imagerouter/upstream/grok"
	"github.com/ineyio/imagerouter/upstream/mock"
)

// app holds the wired components for one process.
type app struct {
	cfg      imagerouter.Config
	logger   *slog.Logger
	pool     *imagerouter.Pool
	registry *prometheus.Registry
	metrics  *meter.PrometheusMeter
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// newApp opens the configured store and builds the pool over it. The
// configured tokens are loaded into the store.
func newApp(ctx context.Context, cfg imagerouter.Config) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   newLogger(cfg.LogLevel),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := meter.NewPrometheusMeter(a.registry)
	if err != nil {
		return nil, err
	}
	a.metrics = m

	ts, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	strategy, err := imagerouter.NewStrategy(cfg.Strategy, nil)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.pool, err = imagerouter.NewPool(ts, strategy,
		imagerouter.WithHealthPolicy(cfg.HealthPolicy()),
		imagerouter.WithStoreRetries(cfg.StoreRetries),
		imagerouter.WithPoolMeter(meter.Multi{meter.NewLogMeter(a.logger), a.metrics}),
		imagerouter.WithPoolLogger(a.logger),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := a.pool.Load(ctx, cfg.Records(imagerouter.SystemClock{}.Now())); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.syncStatusGauge(ctx); err != nil {
		a.logger.Warn("could not seed status metrics", "error", err)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) (imagerouter.TokenStore, error) {
	sc := a.cfg.Store
	switch sc.Driver {
	case "redis":
		opts, err := goredis.ParseURL(sc.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis_url: %w", err)
		}
		client := goredis.NewClient(opts)
		a.closers = append(a.closers, func() { client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.logger.Info("using redis token store", "addr", opts.Addr, "prefix", sc.KeyPrefix)
		return storeredis.New(client, storeredis.WithKeyPrefix(sc.KeyPrefix)), nil

	case "postgres":
		pgPool, err := pgxpool.New(ctx, sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, pgPool.Close)
		prefix := strings.NewReplacer(":", "_", "-", "_").Replace(sc.KeyPrefix)
		s := storepg.New(pgPool, storepg.WithTablePrefix(prefix))
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.logger.Info("using postgres token store", "table_prefix", prefix)
		return s, nil

	default:
		a.logger.Info("using in-memory token store")
		return store.NewMemoryStore(), nil
	}
}

// newCaller returns the upstream caller. useMock swaps in a local fake.
func (a *app) newCaller(useMock bool) (imagerouter.Caller, error) {
	if useMock {
		a.logger.Warn("using mock upstream, no real images will be generated")
		return mock.New(), nil
	}
	opts := []grok.Option{
		grok.WithWSURL(a.cfg.Upstream.WSURL),
		grok.WithDefaultImageCount(a.cfg.Upstream.ImageCount),
		grok.WithLogger(a.logger),
		grok.WithCFClearance(a.cfg.Upstream.CFClearance),
	}
	if a.cfg.Upstream.ProxyURL != "" {
		u, err := url.Parse(a.cfg.Upstream.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy_url: %w", err)
		}
		opts = append(opts, grok.WithProxy(u))
	}
	return grok.New(opts...), nil
}

func (a *app) syncStatusGauge(ctx context.Context) error {
	records, err := a.pool.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, r := range records {
		a.metrics.SetStatus(r.ID, r.Status)
	}
	return nil
}
