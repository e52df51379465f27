package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"signal-gate/internal/alerting"
	"signal-gate/internal/config"
	"signal-gate/internal/engine"
	"signal-gate/internal/exchange"
	"signal-gate/internal/fetcher"
	"signal-gate/internal/ledger"
	"signal-gate/internal/metrics"
	"signal-gate/internal/precision"
	"signal-gate/internal/quant"
	"signal-gate/internal/scheduler"
	"signal-gate/internal/storage"
)

// Service orchestrates the evaluation loop: observation in, gated decision
// out, formatted payloads to the downstream collaborators.
type Service struct {
	scheduler *scheduler.Scheduler
	fetcher   fetcher.PriceFetcher
	engine    *engine.Engine
	ledger    ledger.Ledger
	precision precision.Provider
	notifier  alerting.Notifier
	submitter exchange.Submitter
	logger    zerolog.Logger

	watches         []config.WatchConfig
	dedupCfg        config.DedupConfig
	precisionMaxAge time.Duration
	channels        []string
	alertsOn        bool
	locker          storage.AdvisoryLocker
	lockKey         int64
}

// Deps bundles the collaborators the service drives.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Fetcher   fetcher.PriceFetcher
	Engine    *engine.Engine
	Ledger    ledger.Ledger
	Precision precision.Provider
	Notifier  alerting.Notifier
	Submitter exchange.Submitter
	Locker    storage.AdvisoryLocker
}

// New constructs the gating service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:       deps.Scheduler,
		fetcher:         deps.Fetcher,
		engine:          deps.Engine,
		ledger:          deps.Ledger,
		precision:       deps.Precision,
		notifier:        deps.Notifier,
		submitter:       deps.Submitter,
		logger:          logger.With().Str("component", "service").Logger(),
		watches:         cfg.Watches,
		dedupCfg:        cfg.Dedup,
		precisionMaxAge: cfg.Precision.MaxAge,
		channels:        cfg.Alerting.Channels,
		alertsOn:        cfg.Alerting.Enabled,
		locker:          deps.Locker,
		lockKey:         cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the aligned evaluation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessCycle)
}

// ProcessCycle evaluates every watch once. The advisory lock keeps multiple
// runner instances from evaluating the same cycle concurrently.
func (s *Service) ProcessCycle(ctx context.Context, cycle time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("cycle", cycle).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	var failed int
	for _, watch := range s.watches {
		if err := s.processWatch(ctx, watch); err != nil {
			failed++
			s.logger.Error().Err(err).Str("symbol", watch.Symbol).Msg("watch evaluation failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d watches failed", failed, len(s.watches))
	}
	return nil
}

func (s *Service) processWatch(ctx context.Context, watch config.WatchConfig) error {
	price, observedAt, err := s.fetcher.FetchPrice(ctx, watch.Symbol)
	if err != nil {
		return fmt.Errorf("fetch price: %w", err)
	}

	sides := watch.Sides
	if len(sides) == 0 {
		sides = []string{string(engine.SideBuy)}
	}

	var errs []error
	for _, side := range sides {
		if err := s.EvaluateSide(ctx, watch, engine.Side(strings.ToUpper(side)), price, observedAt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EvaluateSide runs one evaluation and routes an emission through
// quantization, the dedup ledger, and the downstream collaborators.
func (s *Service) EvaluateSide(ctx context.Context, watch config.WatchConfig, side engine.Side, price decimal.Decimal, observedAt time.Time) error {
	in := engine.Input{
		Symbol:     watch.Symbol,
		Side:       side,
		Price:      price,
		ObservedAt: observedAt,
		Config: engine.Snapshot{
			Enabled:      watch.Enabled,
			StrategyKey:  watch.StrategyKey,
			ThresholdPct: decimal.NewFromFloat(watch.ThresholdPct),
			TradeSize:    decimal.NewFromFloat(watch.TradeSize),
		},
	}

	decision, err := s.engine.Evaluate(ctx, in)
	if err != nil {
		return fmt.Errorf("evaluate %s/%s: %w", watch.Symbol, side, err)
	}

	logEvent := s.logger.Info()
	if !decision.Emit() {
		logEvent = s.logger.Debug()
	}
	logEvent.
		Str("symbol", watch.Symbol).
		Str("side", string(side)).
		Str("decision", string(decision.Outcome)).
		Str("reason", string(decision.ReasonCode)).
		Str("correlation_id", decision.CorrelationID).
		Msg("evaluation concluded")

	if !decision.Emit() {
		return nil
	}

	return s.dispatch(ctx, watch, in, decision)
}

type actionPayload struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity,omitempty"`
	Reason   string `json:"reason"`
	Fallback bool   `json:"fallback,omitempty"`
}

func (s *Service) dispatch(ctx context.Context, watch config.WatchConfig, in engine.Input, decision engine.Decision) error {
	prec, stale := s.lookupPrecision(ctx, watch.Symbol)

	priceRole := quant.RolePriceBuy
	if in.Side == engine.SideSell {
		priceRole = quant.RolePriceSell
	}

	priceRes, err := quant.Apply(in.Price, priceRole, prec, stale)
	if err != nil {
		return fmt.Errorf("quantize price: %w", err)
	}

	var quantityRes quant.Result
	orderable := in.Config.TradeSize.IsPositive()
	if orderable {
		quantityRes, err = quant.Apply(in.Config.TradeSize, quant.RoleQuantity, prec, stale)
		if err != nil {
			return fmt.Errorf("quantize quantity: %w", err)
		}
	}
	if priceRes.Fallback || quantityRes.Fallback {
		metrics.QuantizeFallbacks.Inc()
	}

	if orderable && !stale {
		if err := quant.ValidateOrder(priceRes.Value, quantityRes.Value, prec); err != nil {
			var vErr *quant.ValidationError
			if errors.As(err, &vErr) {
				s.engine.RecordValidationSkip(ctx, in, decision.CorrelationID, vErr.Error())
				s.logger.Warn().
					Str("symbol", watch.Symbol).
					Str("correlation_id", decision.CorrelationID).
					Str("constraint", vErr.Constraint).
					Msg("emission rejected below venue minimums")
				return nil
			}
			return err
		}
	}

	payload, _ := json.Marshal(actionPayload{
		Price:    priceRes.Text,
		Quantity: quantityRes.Text,
		Reason:   string(decision.ReasonCode),
		Fallback: priceRes.Fallback || quantityRes.Fallback,
	})

	key := ledger.DeriveKey(ledger.KeyComponents{
		Symbol:       watch.Symbol,
		Side:         string(in.Side),
		StrategyKey:  watch.StrategyKey,
		Timeframe:    watch.Timeframe,
		TriggerPrice: priceRes.Value,
		At:           in.ObservedAt,
	}, decimal.NewFromFloat(s.dedupCfg.PriceBucket), s.dedupCfg.TimeBucket)

	commit, err := s.ledger.Commit(ctx, storage.DedupEvent{
		Key:           key,
		CorrelationID: decision.CorrelationID,
		Symbol:        watch.Symbol,
		Action:        actionName(orderable),
		Payload:       payload,
	})
	if err != nil {
		// Dispatching without a ledger claim risks duplicate actions, so a
		// ledger failure fails closed.
		return fmt.Errorf("dedup commit: %w", err)
	}
	if !commit.Accepted {
		metrics.DedupConflicts.Inc()
		s.logger.Info().
			Str("symbol", watch.Symbol).
			Str("side", string(in.Side)).
			Str("correlation_id", decision.CorrelationID).
			Str("handled_by", commit.ExistingCorrelationID).
			Msg("actionable event already handled within dedup window")
		return nil
	}

	s.deliver(ctx, watch, in, decision, priceRes, quantityRes, orderable)
	return nil
}

func (s *Service) deliver(ctx context.Context, watch config.WatchConfig, in engine.Input, decision engine.Decision, priceRes, quantityRes quant.Result, orderable bool) {
	if s.alertsOn && s.notifier != nil {
		note := alerting.Notification{
			CorrelationID: decision.CorrelationID,
			Symbol:        watch.Symbol,
			Side:          string(in.Side),
			Decision:      string(decision.Outcome),
			ReasonCode:    string(decision.ReasonCode),
			Price:         priceRes.Text,
			Quantity:      quantityRes.Text,
			ThresholdPct:  in.Config.ThresholdPct,
			Channels:      s.channels,
			At:            in.ObservedAt,
		}
		if err := s.notifier.Notify(ctx, note); err != nil {
			metrics.DispatchFailures.WithLabelValues("notifier").Inc()
			s.logger.Error().Err(err).
				Str("correlation_id", decision.CorrelationID).
				Msg("failed to dispatch alert")
		}
	}

	if orderable && s.submitter != nil {
		order := exchange.OrderRequest{
			CorrelationID: decision.CorrelationID,
			Symbol:        watch.Symbol,
			Side:          string(in.Side),
			Price:         priceRes.Text,
			Quantity:      quantityRes.Text,
		}
		if err := s.submitter.Submit(ctx, order); err != nil {
			metrics.DispatchFailures.WithLabelValues("exchange").Inc()
			s.logger.Error().Err(err).
				Str("correlation_id", decision.CorrelationID).
				Msg("order submission failed")
		}
	}
}

func (s *Service) lookupPrecision(ctx context.Context, symbol string) (precision.Precision, bool) {
	if s.precision == nil {
		return precision.Precision{}, true
	}
	prec, err := s.precision.Lookup(ctx, symbol)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("precision lookup failed; using fallback table")
		return precision.Precision{}, true
	}
	return prec, prec.Stale(time.Now().UTC(), s.precisionMaxAge)
}

func actionName(orderable bool) string {
	if orderable {
		return "order"
	}
	return "alert"
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
