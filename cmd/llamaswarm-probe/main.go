package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gaspardpetit/llamaswarm/internal/logx"
	"github.com/gaspardpetit/llamaswarm/internal/probe"
)

func main() {
	host := flag.String("host", "127.0.0.1", "completion server host")
	port := flag.Int("port", 5000, "completion server port")
	start := flag.Int("start", 1000, "starting token count")
	step := flag.Int("step", 1000, "token count increment")
	maxTokens := flag.Int("max-tokens", 20000, "largest token count to try")
	timeout := flag.Int("timeout", 60, "request timeout in seconds")
	logLevel := flag.String("log-level", "info", "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.Parse()
	logx.Configure(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	url := "http://" + net.JoinHostPort(*host, strconv.Itoa(*port)) + "/completion"
	logx.Log.Info().Str("url", url).Msg("probing token limit")
	rep, err := probe.Run(ctx, probe.Options{
		URL:     url,
		Start:   *start,
		Step:    *step,
		Max:     *maxTokens,
		Timeout: time.Duration(*timeout) * time.Second,
	})
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("probe")
	}
	if limit := rep.Limit(); limit > 0 {
		fmt.Printf("limit reached at %d tokens\n", limit)
		os.Exit(1)
	}
	fmt.Printf("no failure up to %d tokens\n", *maxTokens)
}
