// Command transpo runs the ephemeral file-transfer server.
//
// Configuration comes from TRANSPO_* environment variables; see
// pkg/common/config. The process exits 0 on clean shutdown and 1 on a
// configuration error or fatal startup failure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/transpo-project/transpo/pkg/common/config"
	"github.com/transpo-project/transpo/pkg/common/logging"
	"github.com/transpo-project/transpo/pkg/concurrency"
	"github.com/transpo-project/transpo/pkg/limits"
	"github.com/transpo-project/transpo/pkg/server"
	"github.com/transpo-project/transpo/pkg/store"
	"github.com/transpo-project/transpo/pkg/store/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logging.InitGlobalLogger(&logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	})
	logger := logging.GetGlobalLogger()

	if err := os.MkdirAll(cfg.StorageDir, 0700); err != nil {
		logger.Errorf("failed to create storage directory: %v", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	uploadStore, err := dialStore(ctx, cfg)
	if err != nil {
		logger.Errorf("failed to open upload store: %v", err)
		return 1
	}
	defer uploadStore.Close()

	storageLimit, err := buildStorageLimit(cfg)
	if err != nil {
		logger.Errorf("failed to initialize storage limit: %v", err)
		return 1
	}
	go storageLimit.Run(ctx, logger.WithComponent("storage"))

	var quotas *limits.Quotas
	if cfg.QuotasEnabled() {
		quotas = limits.NewQuotas(cfg.QuotaBytes, cfg.QuotaInterval())
		go quotas.Run(ctx)
	}

	srv := server.New(cfg, uploadStore, concurrency.NewAccessors(), storageLimit, quotas, logger)
	go srv.RunCleanupWorker(ctx, server.CleanupInterval)

	router := mux.NewRouter()
	srv.Routes(router)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Infof("listening on port %d, storage in %s", cfg.Port, cfg.StorageDir)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Errorf("server failed: %v", err)
		return 1
	}

	logger.Info("shut down cleanly")
	return 0
}

// dialStore picks the metadata backend from the database URL scheme.
func dialStore(ctx context.Context, cfg *config.Config) (store.UploadStore, error) {
	switch {
	case cfg.DatabaseURL == "" || strings.HasPrefix(cfg.DatabaseURL, "memory://"):
		return store.NewMemoryStore(), nil
	case strings.HasPrefix(cfg.DatabaseURL, "postgres://"),
		strings.HasPrefix(cfg.DatabaseURL, "postgresql://"):
		return postgres.New(ctx, &postgres.Config{DatabaseURL: cfg.DatabaseURL})
	default:
		return nil, fmt.Errorf("unsupported database URL %q", cfg.DatabaseURL)
	}
}

func buildStorageLimit(cfg *config.Config) (*limits.StorageLimit, error) {
	if cfg.MaxStorageSizeBytes == 0 {
		return limits.Unlimited(), nil
	}
	return limits.NewStorageLimit(cfg.MaxStorageSizeBytes, cfg.StorageDir)
}
