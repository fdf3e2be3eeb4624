package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"swcache/internal/swcache"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("SWCACHE_CONFIG", "/swcache.yaml"), "path to swcache.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, configPath)
	stop()
	if err != nil {
		log.Fatalf("swcache: %v", err)
	}
}

// run serves until ctx is done or the listener fails. Every resource it
// opens is released before it returns.
func run(ctx context.Context, configPath string) error {
	cfg, err := swcache.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := swcache.NewLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	svc, err := swcache.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()
	svc.Reload = func() (swcache.CacheConfig, error) {
		next, err := swcache.LoadConfig(configPath)
		if err != nil {
			return swcache.CacheConfig{}, err
		}
		return next.Cache, nil
	}

	if err := svc.Start(ctx); err != nil {
		logger.Error("MAIN: worker registration failed, serving uncached", zap.Error(err))
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("swcache listening", zap.String("addr", addr), zap.String("origin", cfg.Server.Origin))
		serveErr <- srv.Serve(ln)
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serve: %w", err)
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = srv.Shutdown(shutdownCtx)
			cancel()
			return nil
		case <-hup:
			logger.Info("MAIN: SIGHUP, checking for update")
			if err := svc.Update(ctx); err != nil {
				logger.Error("MAIN: update failed", zap.Error(err))
			}
		}
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
