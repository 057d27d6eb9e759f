package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2snow/internal/catalog"
	"github.com/mehmetymw/cdc2snow/internal/cdc/postgres"
	"github.com/mehmetymw/cdc2snow/internal/config"
	"github.com/mehmetymw/cdc2snow/internal/destination"
	"github.com/mehmetymw/cdc2snow/internal/dlq"
	"github.com/mehmetymw/cdc2snow/internal/pipeline"
	"github.com/mehmetymw/cdc2snow/internal/types"
)

type healthz struct {
	Status       string `json:"status"`
	LastLSN      string `json:"last_lsn"`
	PendingBatch int    `json:"pending_batch"`
	DLQBatches   int    `json:"dlq_batches"`
	Timestamp    string `json:"timestamp"`
}

func main() {
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	logger, _ := zapConfig.Build()
	defer logger.Sync()

	logger.Info("starting cdc2snow")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	logger.Info("configuration loaded",
		zap.String("source_type", cfg.Source.Type),
		zap.Int("destinations", len(cfg.Destinations)),
		zap.Int("batch_size", cfg.Batching.BatchSize))

	ctx := context.Background()

	cat, err := catalog.Open(ctx, cfg.Catalog.DSN, logger)
	if err != nil {
		logger.Fatal("catalog init failed", zap.Error(err))
	}
	defer cat.Close()

	dest, destID, err := destination.Build(ctx, cfg.Destinations, cat, logger)
	if err != nil {
		logger.Fatal("destination init failed", zap.Error(err))
	}

	store, err := dlq.Open(cfg.DLQ.Path, logger)
	if err != nil {
		logger.Fatal("dlq init failed", zap.Error(err))
	}
	defer store.Close()

	for _, table := range store.PendingTables(destID) {
		logger.Warn("durable dlq counter reports backlog from a previous run",
			zap.String("table", table),
			zap.Int("stored_count", store.StoredCount(destID, table)))
	}

	pl := pipeline.New(dest, destID, store, cat, cfg.Batching, cfg.DLQ, logger)

	changes := make(chan types.Event, 10000)

	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	defer pipelineCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pl.Start(pipelineCtx, changes)
		logger.Info("pipeline stopped")
	}()

	var srcStop func()
	var srcWg sync.WaitGroup
	lastLSN := func() string { return "" }
	switch cfg.Source.Type {
	case "postgres":
		pg, err := postgres.New(cfg.Source.Postgres, logger)
		if err != nil {
			logger.Fatal("postgres source init failed", zap.Error(err))
		}
		srcStop = pg.Stop
		lastLSN = pg.LastLSN
		srcWg.Add(1)
		go func() {
			defer srcWg.Done()
			pg.Run(changes)
			logger.Info("capture source stopped")
		}()
	default:
		logger.Fatal("unknown source type", zap.String("type", cfg.Source.Type))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		st := pl.Status()
		resp := healthz{
			Status:       "running",
			LastLSN:      lastLSN(),
			PendingBatch: st.PendingBatch,
			DLQBatches:   st.DLQBatches,
			Timestamp:    time.Now().Format(time.RFC3339),
		}
		b, _ := json.Marshal(resp)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}
	logger.Info("starting http server", zap.String("addr", cfg.HTTP.Addr))
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("relay running, waiting for signals")
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop producing first so the pipeline can drain the channel; the channel
	// is only closed once the source goroutine has exited.
	if srcStop != nil {
		srcStop()
	}
	srcWg.Wait()
	close(changes)

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("all workers finished")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, forcing exit")
	}

	logger.Info("shutdown complete")
}
