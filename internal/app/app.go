package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"signal-gate/internal/alerting"
	"signal-gate/internal/config"
	"signal-gate/internal/engine"
	"signal-gate/internal/exchange"
	"signal-gate/internal/fetcher"
	"signal-gate/internal/ledger"
	"signal-gate/internal/metrics"
	"signal-gate/internal/precision"
	"signal-gate/internal/record"
	"signal-gate/internal/scheduler"
	"signal-gate/internal/service"
	"signal-gate/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is required")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newLedger(store *storage.Store) (ledger.Ledger, func()) {
	if a.Config.Dedup.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		led := ledger.NewRedisLedger(rdb, a.Config.Dedup.KeyPrefix, a.Config.Dedup.TTL)
		return led, func() { _ = rdb.Close() }
	}
	return ledger.NewPostgresLedger(store, a.Config.Dedup.TTL), nil
}

func (a *App) newEngine(store *storage.Store) *engine.Engine {
	writer := record.NewWriter(store, a.Config.Database.WriteTimeout, a.Logger)
	return engine.New(store, writer, engine.Options{
		Cooldown:          a.Config.Gate.Cooldown,
		ObservationMaxAge: a.Config.Gate.ObservationMaxAge,
	}, a.Logger)
}

func (a *App) newService(store *storage.Store, sched *scheduler.Scheduler, fetch fetcher.PriceFetcher) (*service.Service, func()) {
	led, closeLedger := a.newLedger(store)

	prec := precision.NewRestProvider(precision.RestOptions{
		BaseURL:         a.Config.Precision.BaseURL,
		RefreshInterval: a.Config.Precision.RefreshInterval,
		Timeout:         a.Config.Precision.RequestTimeout,
	}, a.Logger)

	svc := service.New(a.Config, service.Deps{
		Scheduler: sched,
		Fetcher:   fetch,
		Engine:    a.newEngine(store),
		Ledger:    led,
		Precision: prec,
		Notifier:  a.newNotifier(),
		Submitter: exchange.NewPaperSubmitter(a.Logger),
		Locker:    store,
	}, a.Logger)

	return svc, closeLedger
}

// Run executes the long-running gating service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	metrics.Serve(a.Config.Metrics.ListenAddr, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	ticker := fetcher.NewTicker(fetcher.TickerOptions{
		BaseURL:   a.Config.Market.BaseURL,
		Timeout:   a.Config.Market.RequestTimeout,
		UserAgent: a.Config.Market.UserAgent,
	}, a.Logger)

	svc, closeLedger := a.newService(store, sched, ticker)
	if closeLedger != nil {
		defer closeLedger()
	}

	a.Logger.Info().Int("watches", len(a.Config.Watches)).Msg("starting gating service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("gating service stopped")
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting decision history.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ResetOptions identify the throttle key to override.
type ResetOptions struct {
	Symbol       string
	StrategyKey  string
	Side         string
	CurrentPrice float64
}

// EvaluateOptions drive a one-shot evaluation.
type EvaluateOptions struct {
	Symbol string
	Side   string
	Price  float64
}
