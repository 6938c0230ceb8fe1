package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinysos/pkg/server"
	"github.com/nicktill/tinysos/pkg/server/monitor"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 60 * time.Second
	shutdownTimeout    = 30 * time.Second
	backgroundTimeout  = 5 * time.Second
)

func newLogger() *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if os.Getenv("TINYSOS_LOG_DEV") == "true" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return log
}

func main() {
	log := newLogger()
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	log.Info("starting tinysos server")

	cfg, err := server.LoadConfig(log)
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	log.Info("configuration loaded",
		zap.String("backend", cfg.Backend),
		zap.String("data_dir", cfg.DataDir),
		zap.Int64("max_storage_gb", cfg.MaxStorageGB),
		zap.Duration("purge_interval", cfg.PurgeInterval))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := server.InitializeStorage(ctx, log, cfg)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close storage", zap.Error(err))
		}
	}()

	storageMonitor := monitor.NewStorageMonitor(cfg.DataDir, cfg.MaxStorageBytes())
	purgeMonitor := monitor.NewPurgeMonitor(cfg.PurgeInterval)

	components, err := server.InitializeHandlers(log, cfg, store, storageMonitor)
	if err != nil {
		log.Fatal("failed to initialize handlers", zap.Error(err))
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		components.Hub.Run(ctx)
	}()

	stopPurge := make(chan bool)
	wg.Add(1)
	go server.RunPurge(log.Named("purge"), components.Deletion, cfg.PurgeInterval, purgeMonitor, storageMonitor, stopPurge, &wg)

	stopGC := make(chan bool)
	wg.Add(1)
	go server.RunBadgerGC(log.Named("gc"), store, stopGC, &wg)

	router := mux.NewRouter()
	server.SetupRoutes(router, components, storageMonitor, purgeMonitor, cfg.Port)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		log.Info("server listening", zap.String("addr", "http://localhost:"+cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received")

	// Cancel before wg.Wait, the hub only returns on ctx.Done.
	cancel()
	close(stopPurge)
	close(stopGC)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("background tasks stopped")
	case <-time.After(backgroundTimeout):
		log.Warn("some background tasks did not stop in time")
	}

	log.Info("tinysos server exited")
}
