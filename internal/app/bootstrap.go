package app

import (
	"log/slog"
	"time"

	"github.com/joho/godotenv"

	"perpfeed/internal/book"
	"perpfeed/internal/collector"
	"perpfeed/internal/domain"
	"perpfeed/internal/flow"
	"perpfeed/internal/infra"
	"perpfeed/internal/infra/binance"
	"perpfeed/internal/infra/storage"
	"perpfeed/internal/sink"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config    *infra.Config
	Storage   *storage.Storage
	Writer    *sink.Writer
	Rest      *binance.Client
	Registry  *book.Registry
	Trades    *flow.Tracker
	Liqs      *flow.Tracker
	Metrics   *infra.Metrics
	Schema    *domain.Schema
	Windows   []time.Duration
	Collector *collector.Collector
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization (config, logger, storage,
// sink and the collector graph).
func (b *Bootstrap) Initialize() error {
	// .env is optional; real config lives in YAML and the environment.
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", slog.Any("error", err))
	}

	// 1. Load Config
	cfg, err := infra.LoadConfig("configs/config.yaml")
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)
	slog.Info("🚀 Bootstrapping perpfeed...",
		slog.String("version", cfg.App.Version),
		slog.Int("symbols", len(cfg.API.Binance.Symbols)),
	)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Sink.DataDir)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Metadata database initialized")

	// 4. Initialize Sink
	writer, err := sink.NewWriter(sink.Config{
		Dir:               cfg.Sink.DataDir,
		FlushInterval:     time.Duration(cfg.Sink.FlushIntervalMS) * time.Millisecond,
		BufferLines:       cfg.Sink.BufferLines,
		MaxOpenPartitions: cfg.Sink.MaxOpenPartitions,
	})
	if err != nil {
		return err
	}
	b.Writer = writer
	slog.Info("✅ Sink ready", slog.String("dir", cfg.Sink.DataDir))

	// 5. REST client, order book registry, flow trackers
	b.Rest = binance.NewClient(cfg.API.Binance.RestURL)
	b.Registry = book.NewRegistry(
		b.Rest,
		time.Duration(cfg.Collector.ResyncCooldownSec)*time.Second,
		cfg.Collector.ResyncWorkers,
		cfg.Collector.BookBufferLimit,
	)

	windows, err := cfg.FlowWindows()
	if err != nil {
		return err
	}
	b.Trades = flow.NewTracker(windows)
	b.Liqs = flow.NewTracker(windows)
	b.Metrics = infra.NewMetrics()

	b.Windows = windows
	b.Schema = collector.BuildSchema(windows)

	// 6. Collector
	b.Collector = collector.New(cfg, b.Schema, b.Registry,
		b.Trades, b.Liqs, b.Writer, b.Metrics, b.Rest, b.Storage)

	return nil
}
