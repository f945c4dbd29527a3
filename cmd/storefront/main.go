// storefront serves the cart consistency API for a Shopify storefront.
// Each browser session gets its own cart, duplicate-add guard, checkout
// initiator and continuity guard.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront-cart/internal/checkout"
	"storefront-cart/internal/clock"
	"storefront-cart/internal/config"
	"storefront-cart/internal/continuity"
	"storefront-cart/internal/handler"
	"storefront-cart/internal/middleware"
	"storefront-cart/internal/navigation"
	"storefront-cart/internal/resolver"
	"storefront-cart/internal/session"
	"storefront-cart/internal/shopify"
	"storefront-cart/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := initLogger(cfg)
	logger.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.String("shop_domain", cfg.Storefront.ShopDomain),
		slog.String("store_domain", cfg.Storefront.StoreDomain),
		slog.String("storage", cfg.Storage.Driver),
	)

	kv, closeKV, err := storage.Open(ctx, storage.Config{
		Driver:        cfg.Storage.Driver,
		SQLitePath:    cfg.Storage.SQLitePath,
		RedisAddr:     cfg.Storage.RedisAddr,
		RedisPassword: cfg.Storage.RedisPassword,
		RedisDB:       cfg.Storage.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer closeKV()

	client := shopify.NewClient(shopify.Config{
		ShopDomain:     cfg.Storefront.ShopDomain,
		AccessToken:    cfg.Storefront.AccessToken,
		APIVersion:     cfg.Storefront.APIVersion,
		Timeout:        cfg.Platform.Timeout,
		RetryAttempts:  cfg.Platform.RetryAttempts,
		RetryBaseDelay: cfg.Platform.RetryBaseDelay,
		Logger:         logger,
	})
	res := resolver.New(client, resolver.WithLogger(logger))

	hosts := cfg.CheckoutHosts()
	sessions := session.NewManager(kv, res, client, session.Config{
		MaxEntries:      cfg.Sessions.MaxEntries,
		DebounceWindow:  cfg.Cart.DebounceWindow,
		MergeDuplicates: cfg.Cart.MergeDuplicates,
		Continuity: continuity.Config{
			CheckoutDomains: hosts,
			SnapshotTTL:     cfg.Continuity.SnapshotTTL,
			GraceDelay:      cfg.Continuity.GraceDelay,
		},
		Checkout: checkout.Config{
			PlatformDomain: cfg.Storefront.ShopDomain,
			AllowedDomains: hosts,
		},
	}, clock.System(), logger)

	h := handler.New(sessions, logger)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	// Recovery must be outermost to catch panics from the other middleware.
	// Session runs before Logging so request logs carry the session id, and
	// before Navigation so the continuity trigger knows whose cart to restore.
	httpHandler := middleware.Chain(
		middleware.Recovery(logger),
		middleware.Session(cfg.Sessions.CookieName),
		middleware.Logging(logger),
		navigation.Middleware(h.DispatchNavigation, logger),
	)(mux)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.String("port", cfg.Port),
			slog.String("addr", server.Addr),
		)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		// Give outstanding requests time to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
			return fmt.Errorf("shutdown error: %w", err)
		}
	}

	logger.Info("server stopped", slog.Int("live_sessions", sessions.Len()))
	return nil
}

// initLogger creates a structured logger configured for the environment.
// Production uses JSON format for Cloud Logging, development uses text.
func initLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if cfg.Environment == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
