package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/backend"
	"github.com/lzjever/crawlhub/internal/executorrpc"
	"github.com/lzjever/crawlhub/internal/observability"
	"github.com/lzjever/crawlhub/internal/worker"
)

func main() {
	var cfg worker.Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	observability.RegisterAll(prometheus.DefaultRegisterer)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	be, err := backend.Open(ctx, cfg.Config, log)
	if err != nil {
		log.Fatal("backend init failed", zap.Error(err))
	}
	defer be.Close()

	exec, err := executorrpc.Dial(cfg.ExecutorAddr)
	if err != nil {
		log.Fatal("executor connect failed", zap.Error(err))
	}
	defer exec.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	go func() {
		log.Info("metrics server starting", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	worker.New(be.Orchestrator, exec, cfg, log).Run(ctx)
}
