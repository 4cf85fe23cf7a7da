package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/llamaswarm/internal/availability"
	"github.com/gaspardpetit/llamaswarm/internal/backend"
	"github.com/gaspardpetit/llamaswarm/internal/config"
	"github.com/gaspardpetit/llamaswarm/internal/logx"
	"github.com/gaspardpetit/llamaswarm/internal/metrics"
	"github.com/gaspardpetit/llamaswarm/internal/reconnect"
	"github.com/gaspardpetit/llamaswarm/internal/tokens"
	"github.com/gaspardpetit/llamaswarm/internal/worker"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

const (
	storeAttempts       = 10
	backendPollInterval = 30 * time.Second
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.WorkerConfig
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
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "llamaswarm-worker version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("llamaswarm-worker version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	metrics.RegisterWorker(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo("worker", version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		if cfg.DrainTimeout != 0 {
			logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
		}
		cancel()
		<-sigCh
		logx.Log.Warn().Msg("termination requested")
		os.Exit(1)
	}()

	var store availability.Store
	err := reconnect.Retry(ctx, storeAttempts, func() error {
		s, err := availability.Open(cfg.RedisAddr, cfg.ConsulAddr, cfg.StateDir)
		if err != nil {
			logx.Log.Warn().Err(err).Msg("availability store unavailable; retrying")
			return err
		}
		store = s
		return nil
	})
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("open availability store")
	}

	ln, port, err := worker.Listen(cfg.Host, cfg.IsReserved)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("select port")
	}

	ollama := backend.NewOllama(cfg.BackendURL, cfg.Model, cfg.MaxWindow, cfg.Device)
	w := worker.New(worker.Options{
		ID:        port,
		Name:      cfg.Name,
		Model:     cfg.Model,
		MaxWindow: cfg.MaxWindow,
		Truncate:  cfg.Truncate,
		Timeout:   cfg.RequestTimeout,
		Store:     store,
		Backend:   ollama,
		Counter:   tokens.Approx{},
		Version:   worker.VersionInfo{Version: version, BuildSHA: buildSHA, BuildDate: buildDate},
	})
	go w.MonitorBackend(ctx, ollama, backendPollInterval)

	logx.Log.Info().Str("name", cfg.Name).Int("worker_id", port).Str("model", cfg.Model).
		Int("max_seq_len", cfg.MaxWindow).Int("device", cfg.Device).Msg("worker starting")
	if err := w.Serve(ctx, ln, cfg.DrainTimeout); err != nil {
		logx.Log.Error().Err(err).Msg("worker exited")
	}
	if c, ok := store.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}
