// Command tickerwatch is a terminal session against the gateway: it follows
// live tickers for a symbol set and keeps a merged candle series in sync.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tickerflow/internal/adapters/auth"
	"tickerflow/internal/adapters/history"
	"tickerflow/internal/adapters/socket"
	"tickerflow/internal/application/candles"
	"tickerflow/internal/application/subscription"
	"tickerflow/internal/domain"
	"tickerflow/pkg/logger"
)

func main() {
	gatewayURL := flag.String("gateway", "ws://localhost:8080/ws", "gateway websocket URL")
	historyURL := flag.String("history", "", "candle history base URL (optional)")
	asset := flag.String("asset", string(domain.AssetCrypto), "asset type: crypto or stocks")
	symbols := flag.String("symbols", "BTC", "comma separated symbols to follow")
	timeframe := flag.String("timeframe", "", "candle timeframe, e.g. 1T, 1H, 1D (optional)")
	token := flag.String("token", "", "bearer token")
	tokenFile := flag.String("token-file", "", "file holding the bearer token, re-read on change")
	reconnect := flag.Duration("reconnect", 5*time.Second, "delay between reconnect attempts")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	log := logger.New(os.Stderr, *logLevel, "text")
	if err := run(log, config{
		gatewayURL: *gatewayURL,
		historyURL: *historyURL,
		asset:      domain.AssetType(*asset),
		symbols:    strings.Split(*symbols, ","),
		timeframe:  *timeframe,
		tokens:     auth.NewTokenProvider(*token, *tokenFile),
		reconnect:  *reconnect,
	}); err != nil {
		log.Error("tickerwatch failed", "error", err)
		os.Exit(1)
	}
}

type config struct {
	gatewayURL string
	historyURL string
	asset      domain.AssetType
	symbols    []string
	timeframe  string
	tokens     domain.TokenProvider
	reconnect  time.Duration
}

func run(log *slog.Logger, cfg config) error {
	interest := domain.SubscriptionParams{
		AssetType: cfg.asset,
		Channel:   domain.ChannelUserSymbols,
		Symbols:   cfg.symbols,
		DataTypes: []domain.DataType{domain.DataTicker},
	}
	if cfg.timeframe != "" {
		tf, err := domain.ParseTimeframe(cfg.timeframe)
		if err != nil {
			return err
		}
		interest.Timeframe = tf
		interest.DataTypes = append(interest.DataTypes, domain.DataCandles)
	}
	interest = interest.Normalize()
	if err := interest.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var manager *subscription.Manager
	client := socket.NewClient(socket.Options{
		URL:            cfg.gatewayURL,
		Tokens:         cfg.tokens,
		ReconnectDelay: cfg.reconnect,
		OnConnect: func(ctx context.Context) error {
			return manager.Resubscribe(ctx)
		},
	}, log)
	manager = subscription.NewManager(client, log)

	// Not connected yet: the interest is recorded and sent by OnConnect.
	if err := manager.SetInterest(ctx, interest); err != nil && !errors.Is(err, domain.ErrNotConnected) {
		return err
	}

	var series *candles.Reconciler
	if interest.Timeframe != "" && cfg.historyURL != "" && len(interest.Symbols) > 0 {
		hc := history.NewClient(history.Options{BaseURL: cfg.historyURL, RequestsPerSecond: 5, Burst: 2, Token: cfg.tokens}, log)
		series = candles.NewReconciler(hc, interest.AssetType, interest.Symbols[0], interest.Timeframe, log)
		if _, err := series.LoadNext(ctx); err != nil {
			log.Warn("History unavailable", "error", err)
		} else {
			fmt.Printf("loaded %d candles for %s %s\n", len(series.Series()), interest.Symbols[0], interest.Timeframe)
		}
	}

	// The connection outlives the signal context so that teardown can still
	// unsubscribe before closing it.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(runCtx) }()

	for {
		select {
		case env, ok := <-client.Updates():
			if !ok {
				return <-runDone
			}
			render(env, series)
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := manager.Close(closeCtx)
			cancel()
			if err != nil {
				log.Warn("Teardown incomplete", "error", err)
			}
			cancelRun()
			if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
	}
}

func render(env domain.Envelope, series *candles.Reconciler) {
	switch env.Event {
	case domain.KindDataUpdate:
		var u domain.DataUpdate
		if err := env.Decode(&u); err != nil {
			return
		}
		switch {
		case u.Ticker != nil:
			t := u.Ticker
			fmt.Printf("%s %-6s %s %14.2f %+7.2f%%\n", t.Timestamp.Format(time.TimeOnly), t.Symbol, t.QuoteToken, t.Price, t.Change24h*100)
		case u.Candle != nil:
			if series == nil {
				return
			}
			series.ApplyLive(*u.Candle)
			points := series.Series()
			if len(points) == 0 {
				return
			}
			last := points[len(points)-1]
			fmt.Printf("candle %s %s o=%.2f h=%.2f l=%.2f c=%.2f (%d buckets)\n",
				u.Candle.Timeframe, last.Timestamp.Format(time.RFC3339), last.Open, last.High, last.Low, last.Close, len(points))
		}
	case domain.KindSnapshot:
		var s domain.SnapshotPayload
		if err := env.Decode(&s); err == nil {
			fmt.Printf("snapshot: %d tickers\n", len(s.Tickers))
		}
	case domain.KindError:
		var e domain.ErrorPayload
		if err := env.Decode(&e); err == nil {
			fmt.Printf("gateway error: %s\n", e.Message)
		}
	}
}
