package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"tickerflow/config"
	"tickerflow/internal/adapters/cache"
	"tickerflow/internal/adapters/exchange"
	"tickerflow/internal/adapters/web"
	"tickerflow/internal/application/concurrency"
	"tickerflow/internal/application/gateway"
	"tickerflow/internal/application/services"
	"tickerflow/internal/domain"
	"tickerflow/pkg/logger"
)

type options struct {
	configPath string
	port       int
	help       bool
}

func parseArgs(args []string) (options, error) {
	opts := options{configPath: "config/config.yaml"}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--help", "-h":
			opts.help = true
		case "--config":
			if i+1 >= len(args) {
				return opts, errors.New("--config requires a path")
			}
			i++
			opts.configPath = args[i]
		case "--port":
			if i+1 >= len(args) {
				return opts, errors.New("--port requires a port number")
			}
			i++
			port, err := strconv.Atoi(args[i])
			if err != nil || port <= 0 || port > 65535 {
				return opts, fmt.Errorf("invalid port number '%s'", args[i])
			}
			opts.port = port
		default:
			return opts, fmt.Errorf("unknown flag '%s'", args[i])
		}
	}
	return opts, nil
}

func printUsage() {
	fmt.Println(`Usage:
  tickerflow [--config <path>] [--port <N>]
  tickerflow --help

Options:
  --config   Path to the YAML configuration (default config/config.yaml)
  --port     Port number overriding api.port`)
}

// store is what the pipeline and the gateway need from a cache backend.
type store interface {
	domain.CachePort
	domain.UpdateFeed
}

func run(opts options) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.port != 0 {
		cfg.API.Port = opts.port
	}

	log := logger.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	log.Info("Starting tickerflow", "config", opts.configPath, "exchanges", len(cfg.Exchanges))

	// Cancelled by SIGINT/SIGTERM; everything below runs under it
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Zero durations in the config keep the built-in TTLs
	ttl := cache.DefaultTTLPolicy().With(map[domain.DataClass]time.Duration{
		domain.ClassTicker:     cfg.Cache.TTL.Ticker,
		domain.ClassOrderbook:  cfg.Cache.TTL.Orderbook,
		domain.ClassMarketInfo: cfg.Cache.TTL.MarketInfo,
		domain.ClassDefault:    cfg.Cache.TTL.Default,
	})

	// Cache backend: Redis when enabled, memory otherwise
	backend, closeBackend := newStore(ctx, cfg.Redis, log)
	defer closeBackend()

	exchanges, err := exchange.NewExchanges(cfg.Exchanges, log)
	if err != nil {
		return err
	}
	// The hub routes by asset type, which only the exchange knows
	assetTypes := make(map[string]domain.AssetType, len(exchanges))
	for _, ex := range exchanges {
		assetTypes[ex.Name()] = ex.AssetType()
	}

	hub := gateway.NewHub(backend, backend, gateway.HubOptions{
		ClientBuffer: cfg.Gateway.ClientBuffer,
		AssetTypes:   assetTypes,
	}, log)
	// Start the hub before any writer so no cache event is missed
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	marketService := services.NewMarketService(exchanges, backend, ttl.TTL(domain.ClassMarketInfo), log)
	workerPool := concurrency.NewWorkerPool(cfg.Workers, backend, ttl.TTL(domain.ClassTicker), log)

	webHandler := web.NewHandler(hub, backend, web.HandlerOptions{
		WriteTimeout:      cfg.Gateway.WriteTimeout,
		SnapshotOnConnect: cfg.Gateway.SnapshotOnConnect,
		Status:            marketService.Status,
	}, log)
	httpServer := webHandler.Setup(cfg.API.Port)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "port", cfg.API.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Ingestion: exchanges -> fan-in -> sharded workers -> cache
	tickerCh, errCh := marketService.Start(ctx)
	workerPool.Start(ctx, tickerCh)
	go logIngestErrors(ctx, errCh, log)

	log.Info("System started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		log.Error("HTTP server failed", "error", err)
		runErr = err
		stop()
	}

	// Graceful shutdown: stop accepting clients, then drain the pipeline
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	}

	workerPool.Wait()
	<-hubDone
	log.Info("Stopped", "processed", workerPool.Processed(), "failed", workerPool.Failed())
	return runErr
}

func newStore(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) (store, func()) {
	if cfg.Enabled {
		log.Info("Using Redis cache", "addr", cfg.Addr())
		redisCache := cache.NewRedisCache(cache.RedisOptions{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.DB,
			Channel:  cfg.Channel,
		}, log)
		return redisCache, func() {
			if err := redisCache.Close(); err != nil {
				log.Error("Redis close failed", "error", err)
			}
		}
	}

	log.Info("Using in-memory cache")
	memory := cache.NewMemoryCache(log)
	go memory.RunJanitor(ctx, 30*time.Second)
	return memory, func() {}
}

// logIngestErrors samples adapter errors, which are already logged at the
// source.
func logIngestErrors(ctx context.Context, errCh <-chan error, log *slog.Logger) {
	var count int
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if !ok {
				return
			}
			count++
			if count%100 == 1 {
				log.Debug("Ingestion error", "error", err, "total", count)
			}
		}
	}
}
