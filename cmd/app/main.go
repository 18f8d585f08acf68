package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"perpfeed/internal/app"
	"perpfeed/internal/backfill"
	"perpfeed/internal/infra/binance"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// 1. Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := bootstrap.Config

	// 4. Backfill mode: reconstruct historical snapshots, then exit.
	if cfg.Backfill.Enabled {
		runner := backfill.NewRunner(cfg, bootstrap.Rest, bootstrap.Writer,
			bootstrap.Storage, bootstrap.Schema)
		err := runner.Run(ctx)
		if closeErr := bootstrap.Writer.Close(); closeErr != nil {
			slog.Error("Sink close failed", slog.Any("error", closeErr))
		}
		if err != nil {
			slog.Error("❌ Backfill failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("✨ Backfill complete")
		return
	}

	// 5. Live collection: periodic loops + stream worker.
	bootstrap.Collector.Run(ctx)

	channels := binance.Channels{
		Depth:        cfg.Collector.EnableDepth,
		AggTrades:    cfg.Collector.EnableAggTrades,
		Liquidations: cfg.Collector.EnableLiquidations,
		MarkPrice:    cfg.Collector.EnableMarkPrice,
		Klines:       cfg.Collector.EnableKlines,
	}
	worker := binance.NewStreamWorker(cfg.API.Binance.WSURL,
		cfg.API.Binance.Symbols, channels, bootstrap.Collector)
	worker.OnStateChange(bootstrap.Metrics.SetConnected)
	if err := worker.Connect(ctx); err != nil {
		slog.Error("❌ Failed to start stream worker", slog.Any("error", err))
		os.Exit(1)
	}
	slog.InfoContext(ctx, "✅ Stream worker started",
		slog.Int("symbols", len(cfg.API.Binance.Symbols)))

	slog.InfoContext(ctx, "✨ perpfeed fully operational. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()

	slog.InfoContext(ctx, "👋 Shutting down gracefully...")
	worker.Disconnect()
	bootstrap.Collector.Wait()
	bootstrap.Registry.Wait()
	if err := bootstrap.Writer.Close(); err != nil {
		slog.Error("Sink close failed", slog.Any("error", err))
	}
}
