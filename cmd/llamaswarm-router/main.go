package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/llamaswarm/internal/availability"
	"github.com/gaspardpetit/llamaswarm/internal/config"
	"github.com/gaspardpetit/llamaswarm/internal/logx"
	"github.com/gaspardpetit/llamaswarm/internal/metrics"
	"github.com/gaspardpetit/llamaswarm/internal/router"
	"github.com/gaspardpetit/llamaswarm/internal/server"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.RouterConfig
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv()
	if p := config.ConfigArg(os.Args[1:]); p != "" {
		cfg.ConfigFile = p
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlags(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "llamaswarm-router version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("llamaswarm-router version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	metrics.RegisterRouter(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo("router", version, buildSHA, buildDate)

	store, err := availability.Open(cfg.RedisAddr, cfg.ConsulAddr, cfg.StateDir)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("open availability store")
	}
	switch {
	case cfg.RedisAddr != "":
		logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis availability store")
	case cfg.ConsulAddr != "":
		logx.Log.Info().Str("addr", cfg.ConsulAddr).Msg("using consul availability store")
	default:
		logx.Log.Info().Str("dir", cfg.StateDir).Msg("using file availability store")
	}

	rt := router.New(store, cfg.WorkerHost, cfg.RequestTimeout)
	srv := &http.Server{Addr: cfg.Addr(), Handler: server.New(cfg, rt), ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.Addr() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logx.Log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	logx.Log.Info().Int("port", cfg.Port).Str("worker_host", cfg.WorkerHost).Msg("router starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	if c, ok := store.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}
