package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/trust-ledger/internal/api"
	"github.com/example/trust-ledger/internal/auth"
	"github.com/example/trust-ledger/internal/bootstrap"
	"github.com/example/trust-ledger/internal/config"
	"github.com/example/trust-ledger/internal/rpc"
	"github.com/example/trust-ledger/internal/security"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("trust ledger stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Info("starting trust ledger", "env", cfg.Environment, "store", cfg.StoreDriver, "currency", cfg.Currency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	var validator *auth.JWTValidator
	if cfg.JWTPublicKeyFile != "" {
		keySet, err := auth.LoadKeySet(cfg.JWTPublicKeyFile)
		if err != nil {
			return err
		}
		validator = &auth.JWTValidator{KeySet: keySet, Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience}
	} else {
		logger.Warn("JWT_PUBLIC_KEY_FILE not set, every /v1 request will be rejected")
	}

	deps := api.Dependencies{
		Logger:       logger,
		Ledger:       rt.Service,
		JWTValidator: validator,
	}
	if rt.Audit != nil {
		deps.Auditor = rt.Audit
	}
	if cfg.RateLimited() {
		deps.RateLimiter = &security.RedisTokenBucket{
			Redis:      rt.Redis,
			Prefix:     "trust-ledger:rl",
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: cfg.RateLimitRefillRate,
		}
	}

	router, err := api.NewRouter(deps)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcSrv := rpc.NewGRPCServer(rt.Service, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http api listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		logger.Info("grpc listening", "addr", cfg.GRPCAddr)
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
