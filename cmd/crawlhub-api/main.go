package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/lzjever/crawlhub/internal/api"
	"github.com/lzjever/crawlhub/internal/backend"
	"github.com/lzjever/crawlhub/internal/deploy"
	"github.com/lzjever/crawlhub/internal/executorrpc"
	"github.com/lzjever/crawlhub/internal/observability"
)

func main() {
	var cfg api.Config
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
	orc := be.Orchestrator

	pruner := deploy.NewPruner(orc.Deployments(), cfg.PruneInterval, cfg.PruneKeep, log)
	if err := pruner.Start(); err != nil {
		log.Fatal("prune scheduler failed", zap.Error(err))
	}
	defer pruner.Stop()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewAPI(orc, log).Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal("callback listen failed", zap.Error(err))
	}
	grpcSrv := grpc.NewServer()
	executorrpc.NewCallbackServer(orc, log).Register(grpcSrv)

	go func() {
		log.Info("metrics server starting", zap.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		log.Info("callback server starting", zap.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			log.Fatal("callback server failed", zap.Error(err))
		}
	}()

	go func() {
		log.Info("API server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("API server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down API server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// Watch streams hold connections open; closing the poller ends them.
	orc.Close()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	_ = metricsSrv.Shutdown(shutdownCtx)

	log.Info("API server stopped")
}
