package main

import (
	"context"
	"errors"
	"fmt"
	stdslog "log/slog"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/kvcache"
	"github.com/unkn0wn-root/kvcache/codec"
	asynchook "github.com/unkn0wn-root/kvcache/hooks/async"
	"github.com/unkn0wn-root/kvcache/internal/config"
	"github.com/unkn0wn-root/kvcache/listener/async"
	logruslog "github.com/unkn0wn-root/kvcache/log/logrus"
	slogadapter "github.com/unkn0wn-root/kvcache/log/slog"
	zaplog "github.com/unkn0wn-root/kvcache/log/zap"
	"github.com/unkn0wn-root/kvcache/sloghooks"
	"github.com/unkn0wn-root/kvcache/store"
	bigcachestore "github.com/unkn0wn-root/kvcache/store/bigcache"
	boltstore "github.com/unkn0wn-root/kvcache/store/bolt"
	jsstore "github.com/unkn0wn-root/kvcache/store/jetstream"
	"github.com/unkn0wn-root/kvcache/store/memory"
	redisstore "github.com/unkn0wn-root/kvcache/store/redis"
)

type app struct {
	cache   kvcache.Cache[string]
	log     *zap.Logger
	hooks   *asynchook.Hooks
	cleanup []func()
}

func newZap(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// cacheLogger picks the adapter the cache logs through.
func cacheLogger(cfg config.Log, zl *zap.Logger) (kvcache.Logger, *stdslog.Logger, error) {
	var sl stdslog.Level
	if err := sl.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, err
	}
	slogger := stdslog.New(stdslog.NewJSONHandler(os.Stderr, &stdslog.HandlerOptions{Level: sl}))

	switch cfg.Backend {
	case "logrus":
		lvl, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, err
		}
		l := logrus.New()
		l.SetLevel(lvl)
		l.SetFormatter(&logrus.JSONFormatter{})
		return logruslog.New(l), slogger, nil
	case "slog":
		return slogadapter.New(slogger), slogger, nil
	default:
		return zaplog.New(zl), slogger, nil
	}
}

func openStore(ctx context.Context, cfg config.Store) (store.Store, func(), error) {
	switch cfg.Kind {
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		s, err := redisstore.New(redisstore.Config{Client: rdb, Prefix: cfg.Redis.Prefix, CloseClient: true})
		return s, nil, err
	case "bolt":
		s, err := boltstore.Open(cfg.Bolt.Path, boltstore.Options{Bucket: cfg.Bolt.Bucket})
		return s, nil, err
	case "bigcache":
		s, err := bigcachestore.New(bigcachestore.Config{
			Shards:             cfg.BigCache.Shards,
			LifeWindow:         cfg.BigCache.LifeWindow,
			CleanWindow:        cfg.BigCache.CleanWindow,
			HardMaxCacheSizeMB: cfg.BigCache.MaxSizeMB,
		})
		return s, nil, err
	case "jetstream":
		nc, err := nats.Connect(cfg.JetStream.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket: cfg.JetStream.Bucket,
			TTL:    cfg.JetStream.TTL,
		})
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("kv bucket %s: %w", cfg.JetStream.Bucket, err)
		}
		s, err := jsstore.New(jsstore.Config{Bucket: kv})
		return s, nc.Close, err
	case "memory":
		return memory.New(memory.Options{CleanupInterval: cfg.Memory.CleanupInterval}), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}

func open(ctx context.Context, cfg config.Config, zl *zap.Logger) (*app, error) {
	logger, slogger, err := cacheLogger(cfg.Log, zl)
	if err != nil {
		return nil, err
	}
	st, closeConn, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	a := &app{log: zl}
	if closeConn != nil {
		a.cleanup = append(a.cleanup, closeConn)
	}
	a.hooks = asynchook.New(sloghooks.New(slogger, sloghooks.Options{ConflictEvery: 10, SkipEvery: 10}), 1, 1024)

	events := async.New[string](kvcache.ListenerFunc[string](func(_ context.Context, evs []kvcache.Event[string]) error {
		for _, ev := range evs {
			zl.Debug("entry event", zap.Stringer("type", ev.Type), zap.String("key", ev.Key))
		}
		return nil
	}), async.Options{OnError: func(err error) { zl.Warn("event listener", zap.Error(err)) }})

	c, err := kvcache.New[string](kvcache.Options[string]{
		Store:             st,
		Codec:             codec.Limit[string]{Inner: codec.String{}, Max: 1 << 20},
		Name:              cfg.Cache.Name,
		Namespace:         cfg.Cache.Namespace,
		ExpiryPolicy:      cfg.Expiry.NewPolicy(),
		Listeners:         []*kvcache.ListenerConfig[string]{{Listener: events}},
		StatisticsEnabled: cfg.Cache.Statistics,
		LockTimeout:       cfg.Cache.LockTimeout,
		BulkConcurrency:   cfg.Cache.BulkConcurrency,
		Logger:            logger,
		Hooks:             a.hooks,
	})
	if err != nil {
		_ = events.Close()
		_ = a.hooks.Close()
		err = errors.Join(err, st.Close(ctx))
		a.runCleanup()
		return nil, err
	}
	a.cache = c
	return a, nil
}

// Close closes the cache (which drains the event listener and closes the
// store), then the hooks and any connection the store was built on.
func (a *app) Close(ctx context.Context) error {
	err := a.cache.Close(ctx)
	_ = a.hooks.Close()
	a.runCleanup()
	return err
}

func (a *app) runCleanup() {
	for _, f := range a.cleanup {
		f()
	}
}
