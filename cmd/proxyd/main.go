package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"proxyd/internal/domain"
	"proxyd/internal/interface/connection"
	"proxyd/internal/interface/handler"
	"proxyd/internal/interface/repository/config"
	"proxyd/internal/interface/repository/logger"
	"proxyd/internal/interface/repository/metrics"
	"proxyd/internal/interface/worker"
	"proxyd/internal/usecase"
)

const shutdownTimeout = 30 * time.Second

type options struct {
	configPath    string
	port          int
	logLevel      string
	metricsListen string
	check         bool

	flags *pflag.FlagSet
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "proxyd: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("proxyd", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "Configuration file (YAML)")
	fs.IntVarP(&opts.port, "port", "p", config.DefaultPort, "Listen port")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&opts.metricsListen, "metrics-listen", "", "Address for /metrics, /stats and /health")
	fs.BoolVar(&opts.check, "check", false, "Validate the configuration and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.flags = fs
	return opts, nil
}

// loadConfig は設定ファイルを読み、コマンドラインの指定で上書きする
func loadConfig(opts *options) (*domain.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.flags.Changed("port") {
		cfg.Port = opts.port
	}
	if opts.logLevel != "" {
		if _, err := logger.ParseLevel(opts.logLevel); err != nil {
			return nil, err
		}
		cfg.Log.Level = opts.logLevel
	}
	if opts.metricsListen != "" {
		cfg.Metrics.Listen = opts.metricsListen
	}
	return cfg, nil
}

func run(args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if opts.check {
		_, refused, err := buildRuntime(cfg, logger.Nop(), metrics.New(""))
		if err != nil {
			return err
		}
		if refused != nil {
			return refused
		}
		fmt.Fprintln(stdout, "configuration OK")
		return nil
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Close()

	m := metrics.New(cfg.Metrics.File)

	rt, _, err := buildRuntime(cfg, log, m)
	if err != nil {
		return err
	}
	store := usecase.NewRuntimeStore(rt)

	listeners, err := connection.Listen(cfg.Listen, cfg.Port, log)
	if err != nil {
		return err
	}
	defer listeners.Close()

	dialer, err := connection.NewDialer(cfg.Relay.Bind, 0)
	if err != nil {
		return err
	}
	proxyHandler := handler.NewProxyHandler(usecase.NewProxyUseCase(dialer, m, log), m, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := worker.Create(ctx, cfg.Pool, worker.Deps{
		Listeners: listeners,
		Handler:   proxyHandler,
		Source:    store,
		Logger:    log,
		Metrics:   m,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, os.Interrupt)
	defer signal.Stop(sigCh)

	reloads := make(chan struct{}, 1)
	requestReload := func() {
		select {
		case reloads <- struct{}{}:
		default:
		}
	}
	var watcher *config.Watcher
	reload := func() {
		next, err := loadConfig(opts)
		if err != nil {
			log.Error("Reload failed, keeping current configuration", err, nil)
			return
		}
		rt, _, err := buildRuntime(next, log, m)
		if err != nil {
			log.Error("Reload failed, keeping current configuration", err, nil)
			return
		}
		gen := store.Store(rt)
		if err := log.SetLevel(next.Log.Level); err != nil {
			log.Warn("Could not change log level", map[string]interface{}{"error": err.Error()})
		}
		if next.Pool != cfg.Pool || next.Port != cfg.Port {
			log.Warn("Pool and listen settings take effect after restart", nil)
		}
		if watcher != nil {
			watcher.Watch([]string{opts.configPath, next.Filter.File})
		}
		pool.Broadcast(syscall.SIGHUP)
		log.Info("Configuration reloaded", map[string]interface{}{
			"generation": gen,
		})
	}

	metricsUseCase := usecase.NewMetricsUseCase(m, log, usecase.MetricsConfig{
		SaveInterval: cfg.Metrics.SaveInterval,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.MainLoop(gctx) })
	g.Go(func() error { return metricsUseCase.Run(gctx) })

	if opts.configPath != "" {
		watcher = config.NewWatcher([]string{opts.configPath, cfg.Filter.File}, requestReload, log)
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if cfg.Metrics.Listen != "" {
		metricsHandler := handler.NewMetricsHandler(metricsUseCase, m.Registry(), pool, log)
		server := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsHandler.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("Starting metrics server", map[string]interface{}{"addr": cfg.Metrics.Listen})
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-reloads:
				reload()
			case sig := <-sigCh:
				if sig == syscall.SIGHUP {
					log.Info("SIGHUP received", nil)
					reload()
					continue
				}
				log.Info("Shutdown signal received", map[string]interface{}{"signal": sig.String()})
				pool.Shutdown(syscall.SIGTERM)
				cancel()
				return nil
			}
		}
	})

	log.Info("Proxy started", map[string]interface{}{
		"port":      cfg.Port,
		"listeners": listeners.Len(),
	})

	err = g.Wait()
	pool.Shutdown(syscall.SIGTERM)
	cancel()
	listeners.Close()
	pool.Wait()

	if err != nil {
		log.Error("Proxy stopped with error", err, nil)
		return err
	}
	log.Info("Shutdown complete", nil)
	return nil
}
