package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"transferpool/internal/client"
	"transferpool/internal/config"
	apphttp "transferpool/internal/http"
	"transferpool/internal/pool"
	"transferpool/internal/repository/sqlite"
	"transferpool/internal/service"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.SetLevel(cfg.LogLevel())

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Fatalf("auth jwt secret is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	transferRepo := sqlite.NewTransferRepository(db)
	if err := transferRepo.Init(ctx); err != nil {
		logger.Fatalf("init transfer repository: %v", err)
	}

	transferService := service.NewTransferService(transferRepo, logger)
	if n, err := transferService.Recover(ctx); err != nil {
		logger.Warnf("recover transfer history: %v", err)
	} else if n > 0 {
		logger.WithField("count", n).Info("marked interrupted transfers as failed")
	}
	if cfg.History.RetentionHours > 0 {
		if n, err := transferService.Prune(ctx, cfg.HistoryRetention()); err != nil {
			logger.Warnf("prune transfer history: %v", err)
		} else if n > 0 {
			logger.WithField("count", n).Info("pruned transfer history")
		}
	}

	authService, err := service.NewAuthService(service.AuthConfig{
		Username:     cfg.Auth.Username,
		PasswordHash: cfg.Auth.PasswordHash,
		JWTSecret:    cfg.Auth.JWTSecret,
		TokenTTL:     cfg.TokenTTL(),
	})
	if err != nil {
		logger.Fatalf("setup auth: %v", err)
	}

	if err := os.MkdirAll(cfg.Transfer.DataRoot, 0o755); err != nil {
		logger.Fatalf("create data root: %v", err)
	}

	xfer := client.New(client.Options{
		Pool:   pool.Config{Size: cfg.Pool.Size, TransferPool: cfg.Pool.TransferPool},
		Logger: logger,
	})
	xfer.Subscribe(transferService.Hooks())
	xfer.Subscribe(client.Hooks{
		OnTransferAbort: func(ids ...int64) {
			logger.WithField("transfer_ids", ids).Info("transfers aborted")
		},
	})

	defaults := cfg.ClientConfig()
	if defaults != nil && cfg.Connection.AutoConnect {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := xfer.Connect(connectCtx, defaults); err != nil {
			logger.Warnf("auto connect %s: %v", defaults.Connection.Protocol, err)
		}
		cancel()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(apphttp.Config{
		Client:    xfer,
		Transfers: transferService,
		Auth:      authService,
		DataRoot:  cfg.Transfer.DataRoot,
		Defaults:  defaults,
		Logger:    logger,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	if err := xfer.Disconnect(shutdownCtx); err != nil {
		logger.Warnf("disconnect: %v", err)
	}
	waitTransfers(shutdownCtx, xfer)

	logger.Info("bye")
}

// waitTransfers lets finishing transfers record their outcome before the
// database closes.
func waitTransfers(ctx context.Context, c client.Client) {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for len(c.Transfers()) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
