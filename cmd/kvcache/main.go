// Command kvcache opens a string cache on a configured store and runs one
// operation against it, or serves its metrics.
//
//	kvcache -config kvcache.yaml put greeting hello
//	kvcache -config kvcache.yaml get greeting
//	kvcache -config kvcache.yaml keys
//	kvcache -config kvcache.yaml serve
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/kvcache/internal/config"
	kvprom "github.com/unkn0wn-root/kvcache/metrics/prometheus"
)

const usage = `usage: kvcache [-config file] <command> [args]

commands:
  get KEY            print the value of KEY
  put KEY VALUE      store VALUE under KEY
  put-if-absent KEY VALUE
  remove KEY         remove KEY
  keys               list every entry
  clear              remove every entry without notifications
  stats              print statistics after running nothing
  serve              serve /metrics until interrupted
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kvcache", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to the YAML configuration")
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	zl, err := newZap(cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := open(ctx, cfg, zl)
	if err != nil {
		zl.Error("open cache", zap.Error(err))
		return 1
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.Close(cctx); err != nil {
			zl.Warn("close cache", zap.Error(err))
		}
	}()

	if err := app.exec(ctx, fs.Args(), cfg, stdout); err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
			return 2
		}
		zl.Error("command failed", zap.String("command", fs.Arg(0)), zap.Error(err))
		return 1
	}
	return 0
}

var errUsage = errors.New("usage")

func (a *app) exec(ctx context.Context, args []string, cfg config.Config, out io.Writer) error {
	c := a.cache
	need := func(n int) error {
		if len(args) != n+1 {
			return errUsage
		}
		return nil
	}

	switch args[0] {
	case "get":
		if err := need(1); err != nil {
			return err
		}
		v, ok, err := c.Get(ctx, args[1])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: not found", args[1])
		}
		fmt.Fprintln(out, v)
	case "put":
		if err := need(2); err != nil {
			return err
		}
		return c.Put(ctx, args[1], args[2])
	case "put-if-absent":
		if err := need(2); err != nil {
			return err
		}
		ok, err := c.PutIfAbsent(ctx, args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, ok)
	case "remove":
		if err := need(1); err != nil {
			return err
		}
		ok, err := c.Remove(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, ok)
	case "keys":
		if err := need(0); err != nil {
			return err
		}
		it, err := c.Iterator(ctx)
		if err != nil {
			return err
		}
		defer it.Close()
		for it.Next(ctx) {
			item := it.Item()
			fmt.Fprintf(out, "%s\t%s\n", item.Key, item.Value)
		}
		return it.Err()
	case "clear":
		if err := need(0); err != nil {
			return err
		}
		return c.Clear(ctx)
	case "stats":
		if err := need(0); err != nil {
			return err
		}
		st := c.Stats()
		fmt.Fprintf(out, "hits=%d misses=%d puts=%d removals=%d evictions=%d hit%%=%.1f\n",
			st.Hits, st.Misses, st.Puts, st.Removals, st.Evictions, st.HitPercentage())
	case "serve":
		if err := need(0); err != nil {
			return err
		}
		return a.serve(ctx, cfg.Metrics.Addr)
	default:
		return errUsage
	}
	return nil
}

func (a *app) serve(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics.addr is not configured")
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		kvprom.NewCollector("kvcache", a.cache),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.log.Info("serving metrics", zap.String("addr", addr), zap.String("cache", a.cache.Name()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

