package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cjwcoding/ADSkipper/internal/config"
	"github.com/cjwcoding/ADSkipper/internal/control"
	"github.com/cjwcoding/ADSkipper/internal/engine"
	"github.com/cjwcoding/ADSkipper/internal/ipc"
	"github.com/cjwcoding/ADSkipper/internal/metrics"
	"github.com/cjwcoding/ADSkipper/internal/state"
	"github.com/cjwcoding/ADSkipper/internal/store"
	"github.com/cjwcoding/ADSkipper/internal/util"
)

func main() {
	cfgPath := flag.String("config", config.DefaultPath(), "path to YAML config")
	dryRun := flag.Bool("dry-run", false, "match skip controls without tapping them")
	logLevel := flag.String("log-level", "info", "log level (trace|debug|info|warn|error)")
	socketPath := flag.String("socket", "", "control socket path (defaults to $XDG_RUNTIME_DIR/adskipper/control.sock)")
	flag.Parse()

	logger := util.NewLogger(util.ParseLogLevel(*logLevel))

	raw, err := os.ReadFile(*cfgPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warnf("config %s not found, using defaults", *cfgPath)
		raw = nil
	case err != nil:
		exitErr(fmt.Errorf("read config: %w", err))
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		exitErr(fmt.Errorf("load config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		exitErr(fmt.Errorf("invalid config: %w", err))
	}

	rs, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		exitErr(fmt.Errorf("open rule store: %w", err))
	}
	defer rs.Close()
	logger.Infof("using %s rule store %s", cfg.Store.Driver, cfg.Store.Path)

	collector := metrics.NewCollector(cfg.Telemetry.Enabled)
	parts, err := buildPipeline(cfg, rs, collector, logger, *dryRun)
	if err != nil {
		exitErr(err)
	}

	adb := ipc.NewADB(cfg.ADB.Path, cfg.ADB.Serial, logger.With("adb"))
	eng := engine.New(state.NewSnapshots(adb.Dump), ipc.NewTapDispatcher(adb, logger), parts.resolver, parts.matcher, logger.With("engine"), parts.opts)
	eng.SetMetrics(collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := openEvents(ctx, cfg, adb, logger)
	if err != nil {
		exitErr(err)
	}

	reloadRequests := make(chan string, 1)
	cfgFullPath, err := filepath.Abs(*cfgPath)
	if err != nil {
		exitErr(fmt.Errorf("resolve config path: %w", err))
	}
	cfgFullPath = filepath.Clean(cfgFullPath)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		exitErr(fmt.Errorf("watch config: %w", err))
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(cfgFullPath)); err != nil {
		logger.Warnf("unable to watch config dir: %v", err)
	}
	go watchConfig(logger, watcher, cfgFullPath, reloadRequests)

	reloader := newConfigReloader(cfgFullPath, logger, eng, rs, collector, cfg, raw)
	reloader.forceDryRun = *dryRun

	ctrlSrv, err := control.NewServer(*socketPath, eng, rs, logger.With("control"), reloader.Reload)
	if err != nil {
		exitErr(fmt.Errorf("start control server: %w", err))
	}
	ctrlSrv.SetMetrics(collector)
	ctrlSrv.SetAppScanner(adb.LauncherApps)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	errs := make(chan error, 3)
	go func() {
		errs <- eng.Run(ctx, events)
	}()
	go func() {
		errs <- ctrlSrv.Serve(ctx)
	}()
	if cfg.Telemetry.Enabled {
		go func() {
			errs <- serveMetrics(ctx, cfg.Telemetry.Listen, collector, logger)
		}()
	}

	for {
		select {
		case err := <-errs:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("engine exited: %v", err)
				os.Exit(1)
			}
			logger.Infof("engine stopped")
			return
		case reason := <-reloadRequests:
			if err := reloader.Reload(reason); err != nil {
				logger.Errorf("reload failed: %v", err)
			}
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				if err := reloader.Reload("received SIGHUP"); err != nil {
					logger.Errorf("reload failed: %v", err)
				}
			case os.Interrupt, syscall.SIGTERM:
				logger.Infof("received %s, shutting down", sig)
				cancel()
			}
		}
	}
}

func openEvents(ctx context.Context, cfg *config.Config, adb *ipc.ADB, logger *util.Logger) (<-chan ipc.Event, error) {
	switch cfg.Events.Source {
	case "socket":
		path := cfg.Events.Socket
		if path == "" {
			var err error
			if path, err = ipc.EventSocketPath(); err != nil {
				return nil, fmt.Errorf("resolve event socket: %w", err)
			}
		}
		events, err := ipc.Subscribe(ctx, path, logger.With("events"))
		if err != nil {
			return nil, fmt.Errorf("subscribe to events: %w", err)
		}
		logger.Infof("listening for UI events on %s", path)
		return events, nil
	default:
		logger.Infof("polling foreground app every %s", cfg.PollInterval())
		return ipc.Poll(ctx, adb, cfg.PollInterval(), logger.With("poll")), nil
	}
}

func serveMetrics(ctx context.Context, addr string, collector *metrics.Collector, logger *util.Logger) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Infof("serving metrics on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics listener: %w", err)
	}
	return ctx.Err()
}

func watchConfig(logger *util.Logger, watcher *fsnotify.Watcher, target string, reloadRequests chan<- string) {
	const debounceWindow = 250 * time.Millisecond
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					<-timerCh
				}
				timer.Reset(debounceWindow)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			select {
			case reloadRequests <- "config file updated":
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("config watcher error: %v", err)
		}
	}
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
