package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"signal-gate/internal/metrics"
	"signal-gate/internal/record"
	"signal-gate/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// Options tune the gating behaviour.
type Options struct {
	Cooldown          time.Duration
	ObservationMaxAge time.Duration
}

// Engine is the decision-gating state machine: for each (symbol, strategy,
// side) key it weighs the current observation against the persisted throttle
// state and produces exactly one EMIT or SKIP per evaluation.
type Engine struct {
	throttle storage.ThrottleStore
	writer   *record.Writer
	opts     Options
	logger   zerolog.Logger
	locks    *keyLocks

	now func() time.Time
}

// New constructs the engine.
func New(throttle storage.ThrottleStore, writer *record.Writer, opts Options, logger zerolog.Logger) *Engine {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 60 * time.Second
	}
	return &Engine{
		throttle: throttle,
		writer:   writer,
		opts:     opts,
		logger:   logger.With().Str("component", "engine").Logger(),
		locks:    newKeyLocks(),
		now:      time.Now,
	}
}

type evalContext struct {
	Price        string  `json:"price"`
	LastPrice    *string `json:"last_price,omitempty"`
	LastTime     *string `json:"last_time,omitempty"`
	ThresholdPct string  `json:"threshold_pct"`
	CooldownSecs float64 `json:"cooldown_seconds"`
	Fingerprint  string  `json:"fingerprint"`
	Forced       bool    `json:"forced,omitempty"`
	ObservedAt   string  `json:"observed_at"`
}

// Evaluate runs the gating algorithm for one key. All state transitions for
// the key happen under its lock; the decision record write is best effort
// and only degrades the result.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	key := storage.ThrottleKey{Symbol: in.Symbol, StrategyKey: in.Config.StrategyKey, Side: string(in.Side)}
	release := e.locks.acquire(key)
	defer release()

	now := e.now().UTC()
	correlationID := uuid.NewString()

	state, err := e.throttle.GetOrCreate(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("load throttle state: %w", err)
	}

	fingerprint := Fingerprint(in.Config)
	forced := state.ForceNextSignal

	switch {
	case state.ConfigFingerprint == "":
		if err := e.throttle.AdoptFingerprint(ctx, key, fingerprint); err != nil {
			return Decision{}, fmt.Errorf("adopt fingerprint: %w", err)
		}
	case state.ConfigFingerprint != fingerprint:
		// Config changed since the stored baseline: arm the one-shot
		// override together with the new fingerprint, before gating.
		if err := e.throttle.SetFingerprint(ctx, key, fingerprint); err != nil {
			return Decision{}, fmt.Errorf("apply config reset: %w", err)
		}
		forced = true
		e.logger.Info().
			Str("symbol", in.Symbol).Str("side", string(in.Side)).
			Str("strategy", in.Config.StrategyKey).
			Msg("config fingerprint changed; next signal forced")
	}

	evalCtx := evalContext{
		Price:        in.Price.String(),
		ThresholdPct: in.Config.ThresholdPct.String(),
		CooldownSecs: e.opts.Cooldown.Seconds(),
		Fingerprint:  fingerprint,
		ObservedAt:   in.ObservedAt.UTC().Format(time.RFC3339),
	}
	if state.LastPrice != nil {
		s := state.LastPrice.String()
		evalCtx.LastPrice = &s
	}
	if state.LastTime != nil {
		s := state.LastTime.UTC().Format(time.RFC3339)
		evalCtx.LastTime = &s
	}

	if !in.Config.Enabled {
		return e.conclude(ctx, in, correlationID, skip(ReasonSkipDisabled, "watch disabled by configuration"), evalCtx), nil
	}

	if e.opts.ObservationMaxAge > 0 && !in.ObservedAt.IsZero() && now.Sub(in.ObservedAt) > e.opts.ObservationMaxAge {
		msg := fmt.Sprintf("observation aged %s, limit %s", now.Sub(in.ObservedAt).Truncate(time.Second), e.opts.ObservationMaxAge)
		return e.conclude(ctx, in, correlationID, skip(ReasonSkipStaleData, msg), evalCtx), nil
	}

	if forced {
		consumed, err := e.throttle.ConsumeForce(ctx, key)
		if err != nil {
			return Decision{}, fmt.Errorf("consume force flag: %w", err)
		}
		if consumed {
			evalCtx.Forced = true
			decision := Decision{
				Outcome:       OutcomeEmit,
				ReasonCode:    ReasonForcedOverride,
				ReasonMessage: "forced override consumed",
				CorrelationID: correlationID,
			}
			return e.commitEmit(ctx, key, in, decision, now, evalCtx), nil
		}
		// Lost the consume race to another process; re-read the baseline
		// it just advanced and fall through to the ordinary gates.
		state, err = e.throttle.GetOrCreate(ctx, key)
		if err != nil {
			return Decision{}, fmt.Errorf("reload throttle state: %w", err)
		}
	}

	timeOK := state.LastTime == nil || now.Sub(*state.LastTime) >= e.opts.Cooldown
	priceOK := priceGatePasses(in.Price, state.LastPrice, in.Config.ThresholdPct)

	switch {
	case timeOK && priceOK:
		decision := Decision{
			Outcome:       OutcomeEmit,
			ReasonCode:    ReasonPriceAndTimeOK,
			ReasonMessage: "cooldown elapsed and price moved beyond threshold",
			CorrelationID: correlationID,
		}
		return e.commitEmit(ctx, key, in, decision, now, evalCtx), nil
	case !timeOK && !priceOK:
		return e.conclude(ctx, in, correlationID, skip(ReasonSkipThrottled, "cooldown active and price within threshold"), evalCtx), nil
	case !timeOK:
		remaining := e.opts.Cooldown - now.Sub(*state.LastTime)
		return e.conclude(ctx, in, correlationID, skip(ReasonSkipCooldownActive, fmt.Sprintf("cooldown active for another %s", remaining.Truncate(time.Second))), evalCtx), nil
	default:
		return e.conclude(ctx, in, correlationID, skip(ReasonSkipPriceUnchanged, "price change below threshold"), evalCtx), nil
	}
}

// RecordValidationSkip downgrades an emission whose payload failed
// quantity/notional validation after the gate decision. Evaluate has already
// persisted an EMIT row under this correlation id; the row is rewritten in
// place so the evaluation keeps exactly one record with its final outcome.
func (e *Engine) RecordValidationSkip(ctx context.Context, in Input, correlationID, message string) Decision {
	decision := Decision{
		Outcome:       OutcomeSkip,
		ReasonCode:    ReasonSkipBelowMinimum,
		ReasonMessage: message,
		CorrelationID: correlationID,
		Blocked:       true,
	}
	metrics.Decisions.WithLabelValues(string(decision.Outcome), string(decision.ReasonCode)).Inc()
	amended := e.writer.Amend(ctx, storage.DecisionRecord{
		CorrelationID: correlationID,
		Symbol:        in.Symbol,
		Side:          string(in.Side),
		Decision:      string(decision.Outcome),
		ReasonCode:    string(decision.ReasonCode),
		ReasonMessage: message,
		Blocked:       true,
	})
	decision.Degraded = !amended
	return decision
}

func skip(code ReasonCode, message string) Decision {
	return Decision{
		Outcome:       OutcomeSkip,
		ReasonCode:    code,
		ReasonMessage: message,
		Blocked:       code.Blocked(),
	}
}

func (e *Engine) commitEmit(ctx context.Context, key storage.ThrottleKey, in Input, decision Decision, now time.Time, evalCtx evalContext) Decision {
	if err := e.throttle.MarkEmitted(ctx, key, in.Price, now, string(decision.ReasonCode)); err != nil {
		// The emission stands; the stale baseline only loosens throttling
		// until the next successful write.
		e.logger.Error().Err(err).
			Str("symbol", in.Symbol).Str("side", string(in.Side)).
			Msg("failed to advance emission baseline")
		decision.Degraded = true
	}
	return e.persist(ctx, in, decision, evalCtx)
}

func (e *Engine) conclude(ctx context.Context, in Input, correlationID string, decision Decision, evalCtx evalContext) Decision {
	decision.CorrelationID = correlationID
	return e.persist(ctx, in, decision, evalCtx)
}

func (e *Engine) persist(ctx context.Context, in Input, decision Decision, evalCtx evalContext) Decision {
	metrics.Decisions.WithLabelValues(string(decision.Outcome), string(decision.ReasonCode)).Inc()
	recorded := e.writer.Record(ctx, storage.DecisionRecord{
		CorrelationID: decision.CorrelationID,
		Symbol:        in.Symbol,
		Side:          string(in.Side),
		Decision:      string(decision.Outcome),
		ReasonCode:    string(decision.ReasonCode),
		ReasonMessage: decision.ReasonMessage,
		Context:       mustContext(evalCtx),
		Blocked:       decision.Blocked,
	})
	if !recorded {
		decision.Degraded = true
	}
	return decision
}

func priceGatePasses(current decimal.Decimal, last *decimal.Decimal, thresholdPct decimal.Decimal) bool {
	if last == nil || last.IsZero() {
		// First observation semantics: nothing to compare against.
		return true
	}
	changePct := current.Sub(*last).Abs().Div(*last).Mul(hundred)
	return changePct.GreaterThanOrEqual(thresholdPct)
}

func mustContext(c evalContext) json.RawMessage {
	raw, err := json.Marshal(c)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
