// Command syncached serves the deductions sync cache over HTTP and fronts the
// web app with the offline asset cache.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	stdslog "log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/syncache"
	"github.com/unkn0wn-root/syncache/codec"
	"github.com/unkn0wn-root/syncache/genstore"
	asynchook "github.com/unkn0wn-root/syncache/hooks/async"
	promhooks "github.com/unkn0wn-root/syncache/hooks/prom"
	"github.com/unkn0wn-root/syncache/internal/config"
	"github.com/unkn0wn-root/syncache/internal/httpapi"
	logruslog "github.com/unkn0wn-root/syncache/log/logrus"
	sloglog "github.com/unkn0wn-root/syncache/log/slog"
	zaplog "github.com/unkn0wn-root/syncache/log/zap"
	zerologlog "github.com/unkn0wn-root/syncache/log/zerolog"
	"github.com/unkn0wn-root/syncache/notify"
	kafkanotify "github.com/unkn0wn-root/syncache/notify/kafka"
	zmqnotify "github.com/unkn0wn-root/syncache/notify/zmq"
	"github.com/unkn0wn-root/syncache/offline"
	"github.com/unkn0wn-root/syncache/provider"
	"github.com/unkn0wn-root/syncache/provider/bigcache"
	provmem "github.com/unkn0wn-root/syncache/provider/memory"
	provredis "github.com/unkn0wn-root/syncache/provider/redis"
	"github.com/unkn0wn-root/syncache/provider/ristretto"
	"github.com/unkn0wn-root/syncache/remote"
	remotemem "github.com/unkn0wn-root/syncache/remote/memory"
	remotepg "github.com/unkn0wn-root/syncache/remote/postgres"
	remoteredis "github.com/unkn0wn-root/syncache/remote/redis"
	"github.com/unkn0wn-root/syncache/sloghooks"
	"github.com/unkn0wn-root/syncache/snapshot"
)

func main() {
	cfg, err := config.Load(".env", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, flush, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Error("exiting", syncache.Fields{"err": err})
		flush()
		os.Exit(1)
	}
}

// closer runs shutdown steps in reverse order of registration.
type closer struct {
	steps []func(context.Context) error
	log   syncache.Logger
}

func (c *closer) add(f func(context.Context) error) { c.steps = append(c.steps, f) }

func (c *closer) run(ctx context.Context) {
	for i := len(c.steps) - 1; i >= 0; i-- {
		if err := c.steps[i](ctx); err != nil {
			c.log.Warn("shutdown step failed", syncache.Fields{"err": err})
		}
	}
}

func run(ctx context.Context, cfg config.Config, log syncache.Logger) error {
	cl := &closer{log: log}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		cl.run(sctx)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := promhooks.New(reg, cfg.MetricsNamespace)
	stdslog.SetDefault(stdslog.New(stdslog.NewJSONHandler(os.Stderr, &stdslog.HandlerOptions{Level: slogLevel(cfg.LogLevel)})))
	hooks := asynchook.New(syncache.TeeHooks(metrics, sloghooks.New(stdslog.Default(), sloghooks.Options{
		SelfHealEvery: 10,
		EchoEvery:     10,
	})), 1, 1024)
	cl.add(func(context.Context) error { hooks.Close(); return nil })

	var rdb *goredis.Client
	if cfg.NeedsRedis() {
		rdb = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPass, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		cl.add(func(context.Context) error { return rdb.Close() })
	}

	gens, err := newGens(cfg, rdb)
	if err != nil {
		return err
	}
	prov, err := newProvider(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	// Slot.Close releases both the provider and the generation store.
	slot, err := snapshot.Open(ctx, snapshot.Config{Provider: prov, Gens: gens, Logger: log, Hooks: hooks})
	if err != nil {
		return err
	}
	cl.add(slot.Close)

	store, err := newRemote(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	cl.add(func(context.Context) error { return store.Close() })

	snapCodec, err := codec.ByName[[]syncache.Deduction](cfg.SnapshotCodec)
	if err != nil {
		return err
	}
	ids, err := syncache.NewSnowflakeIDs(cfg.Node)
	if err != nil {
		return err
	}

	events := notify.New[syncache.Snapshot](16)
	cl.add(func(context.Context) error { events.Close(); return nil })
	notifiers := []syncache.Notifier{events}
	if len(cfg.KafkaBrokers) > 0 {
		k := kafkanotify.New(kafkanotify.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		cl.add(func(context.Context) error { return k.Close() })
		notifiers = append(notifiers, k)
	}
	if cfg.ZMQEndpoint != "" {
		z, err := zmqnotify.New(ctx, zmqnotify.Config{Endpoint: cfg.ZMQEndpoint})
		if err != nil {
			return err
		}
		cl.add(func(context.Context) error { return z.Close() })
		notifiers = append(notifiers, z)
	}

	mgr, err := syncache.New(syncache.Options{
		Store:       store,
		Slot:        slot,
		Notifiers:   notifiers,
		Codec:       snapCodec,
		Logger:      log,
		Hooks:       hooks,
		IDs:         ids,
		RecordsPath: cfg.RecordsPath,
		CasesPath:   cfg.CasesPath,
	})
	if err != nil {
		return err
	}
	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	cl.add(mgr.Close)
	if n, err := mgr.Reconcile(ctx); err != nil || n > 0 {
		log.Info("reconciled local snapshot", syncache.Fields{"created": n, "err": err})
	}

	registration, err := newOffline(ctx, cfg, prov, gens, log, metrics)
	if err != nil {
		return err
	}
	cl.add(func(context.Context) error { registration.Close(); return nil })

	handler, err := httpapi.New(httpapi.Config{
		Manager:      mgr,
		Events:       events,
		Registration: registration,
		Origin:       cfg.Origin,
		Metrics:      httpapi.NewMetrics(reg, cfg.MetricsNamespace),
		MetricsPage:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:       log,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// event streams only end when their broadcaster closes
	srv.RegisterOnShutdown(events.Close)
	srv.RegisterOnShutdown(registration.Close)

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", syncache.Fields{"addr": cfg.Addr, "remote": cfg.Remote, "origin": cfg.Origin})
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("shutting down", nil)
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func newLogger(cfg config.Config) (syncache.Logger, func(), error) {
	nop := func() {}
	switch cfg.LogBackend {
	case "zerolog":
		lvl, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, nop, err
		}
		var l zerolog.Logger
		if cfg.LogFormat == "console" {
			l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		} else {
			l = zerolog.New(os.Stdout)
		}
		return zerologlog.New(l.Level(lvl).With().Timestamp().Logger()), nop, nil
	case "logrus":
		lvl, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, nop, err
		}
		l := logrus.New()
		l.SetOutput(os.Stdout)
		l.SetLevel(lvl)
		if cfg.LogFormat == "json" {
			l.SetFormatter(&logrus.JSONFormatter{})
		}
		return logruslog.New(l), nop, nil
	case "slog":
		opts := &stdslog.HandlerOptions{Level: slogLevel(cfg.LogLevel)}
		var h stdslog.Handler = stdslog.NewJSONHandler(os.Stdout, opts)
		if cfg.LogFormat == "console" {
			h = stdslog.NewTextHandler(os.Stdout, opts)
		}
		return sloglog.New(stdslog.New(h)), nop, nil
	default:
		lvl, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, nop, err
		}
		zc := zap.NewProductionConfig()
		if cfg.LogFormat == "console" {
			zc = zap.NewDevelopmentConfig()
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
		zl, err := zc.Build()
		if err != nil {
			return nil, nop, err
		}
		return zaplog.New(zl), func() { _ = zl.Sync() }, nil
	}
}

func slogLevel(s string) stdslog.Level {
	var l stdslog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return stdslog.LevelInfo
	}
	return l
}

func newGens(cfg config.Config, rdb *goredis.Client) (genstore.Store, error) {
	if cfg.Gens == "redis" {
		return genstore.NewRedis(genstore.RedisConfig{Client: rdb, Namespace: "syncache"})
	}
	return genstore.NewLocal(genstore.LocalConfig{}), nil
}

func newProvider(ctx context.Context, cfg config.Config, rdb *goredis.Client) (provider.Provider, error) {
	switch cfg.SlotProvider {
	case "memory":
		return provmem.New(), nil
	case "ristretto":
		return ristretto.New(ristretto.Config{})
	case "redis":
		return provredis.New(provredis.Config{Client: rdb, KeyPrefix: "syncache:"})
	default:
		return bigcache.New(ctx, bigcache.Config{HardMaxCacheSizeMB: 256})
	}
}

func newRemote(ctx context.Context, cfg config.Config, rdb *goredis.Client) (remote.Store, error) {
	switch cfg.Remote {
	case "redis":
		return remoteredis.New(remoteredis.Config{Client: rdb, KeyPrefix: "syncache:"})
	case "postgres":
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		s, err := remotepg.New(remotepg.Config{DB: db, DSN: cfg.PostgresDSN, CloseDB: true})
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return remotemem.New(), nil
	}
}

// newOffline registers the offline worker. An upstream that cannot be
// reached at startup is logged; requests then go straight to the network.
func newOffline(ctx context.Context, cfg config.Config, p provider.Provider, gens genstore.Store,
	log syncache.Logger, hooks *promhooks.Hooks) (*offline.Registration, error) {
	entryCodec, err := codec.ByName[offline.Entry](cfg.OfflineCodec)
	if err != nil {
		return nil, err
	}
	// entries larger than the worker would ever store are foreign writes
	limited := codec.Limit[offline.Entry]{Inner: entryCodec, MaxDecode: 2 * offline.DefaultMaxEntryBytes}
	storage, err := offline.NewStorage(offline.StorageConfig{Provider: p, Gens: gens, Codec: limited, Logger: log, Hooks: hooks})
	if err != nil {
		return nil, err
	}
	reg := offline.NewRegistration(offline.RegistrationConfig{SkipWaitingOnInstall: cfg.SkipWaiting, Logger: log})
	w, err := offline.NewWorker(offline.Config{Origin: cfg.Origin, Storage: storage, Logger: log, Hooks: hooks})
	if err != nil {
		return nil, err
	}
	ictx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := reg.Register(ictx, w); err != nil {
		log.Warn("offline worker not installed", syncache.Fields{"origin": cfg.Origin, "err": err})
	}
	return reg, nil
}
