package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"signal-gate/internal/record"
	"signal-gate/internal/storage"
)

type fakeThrottleStore struct {
	mu     sync.Mutex
	states map[storage.ThrottleKey]*storage.ThrottleState
}

func newFakeThrottleStore() *fakeThrottleStore {
	return &fakeThrottleStore{states: make(map[storage.ThrottleKey]*storage.ThrottleState)}
}

func (f *fakeThrottleStore) GetOrCreate(ctx context.Context, key storage.ThrottleKey) (storage.ThrottleState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[key]
	if !ok {
		st = &storage.ThrottleState{Key: key}
		f.states[key] = st
	}
	return *st, nil
}

func (f *fakeThrottleStore) MarkEmitted(ctx context.Context, key storage.ThrottleKey, price decimal.Decimal, at time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.states[key]
	p := price
	ts := at
	st.LastPrice = &p
	st.LastTime = &ts
	st.ForceNextSignal = false
	st.EmitReason = reason
	return nil
}

func (f *fakeThrottleStore) ConsumeForce(ctx context.Context, key storage.ThrottleKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.states[key]
	if !st.ForceNextSignal {
		return false, nil
	}
	st.ForceNextSignal = false
	return true, nil
}

func (f *fakeThrottleStore) SetFingerprint(ctx context.Context, key storage.ThrottleKey, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.states[key]
	st.ConfigFingerprint = fingerprint
	st.ForceNextSignal = true
	return nil
}

func (f *fakeThrottleStore) AdoptFingerprint(ctx context.Context, key storage.ThrottleKey, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.states[key]
	if st.ConfigFingerprint == "" {
		st.ConfigFingerprint = fingerprint
	}
	return nil
}

func (f *fakeThrottleStore) state(key storage.ThrottleKey) storage.ThrottleState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.states[key]
}

type fakeHandle struct {
	mu      sync.Mutex
	alive   bool
	records []storage.DecisionRecord
}

func (h *fakeHandle) Alive() bool { return h.alive }

func (h *fakeHandle) InsertDecision(ctx context.Context, rec storage.DecisionRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.records {
		if existing.CorrelationID == rec.CorrelationID {
			return fmt.Errorf("duplicate key value violates unique constraint %q", "decision_records_pkey")
		}
	}
	h.records = append(h.records, rec)
	return nil
}

func (h *fakeHandle) AmendDecision(ctx context.Context, rec storage.DecisionRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, existing := range h.records {
		if existing.CorrelationID == rec.CorrelationID {
			existing.Decision = rec.Decision
			existing.ReasonCode = rec.ReasonCode
			existing.ReasonMessage = rec.ReasonMessage
			existing.Blocked = rec.Blocked
			h.records[i] = existing
			return nil
		}
	}
	return storage.ErrDecisionNotFound
}

func (h *fakeHandle) ListRecentDecisions(ctx context.Context, limit int) ([]storage.DecisionRecord, error) {
	return nil, nil
}

func (h *fakeHandle) ListDecisionsBetween(ctx context.Context, symbol string, from, to time.Time) ([]storage.DecisionRecord, error) {
	return nil, nil
}

func (h *fakeHandle) GetDecisionByCorrelationID(ctx context.Context, correlationID string) (storage.DecisionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range h.records {
		if rec.CorrelationID == correlationID {
			return rec, nil
		}
	}
	return storage.DecisionRecord{}, storage.ErrDecisionNotFound
}

func (h *fakeHandle) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func (h *fakeHandle) last() storage.DecisionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.records[len(h.records)-1]
}

func newTestEngine(store *fakeThrottleStore, handle *fakeHandle, opts Options) *Engine {
	writer := record.NewWriter(handle, time.Second, zerolog.Nop())
	return New(store, writer, opts, zerolog.Nop())
}

func enabledConfig() Snapshot {
	return Snapshot{
		Enabled:      true,
		StrategyKey:  "momentum-1h",
		ThresholdPct: decimal.RequireFromString("0.5"),
		TradeSize:    decimal.RequireFromString("0.01"),
	}
}

func inputAt(price string, at time.Time) Input {
	return Input{
		Symbol:     "BTCUSDT",
		Side:       SideBuy,
		Price:      decimal.RequireFromString(price),
		ObservedAt: at,
		Config:     enabledConfig(),
	}
}

func TestEvaluateFirstObservationEmits(t *testing.T) {
	store := newFakeThrottleStore()
	handle := &fakeHandle{alive: true}
	eng := newTestEngine(store, handle, Options{Cooldown: time.Minute})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return base }

	dec, err := eng.Evaluate(context.Background(), inputAt("43250", base))
	if err != nil {
		t.Fatalf("评估不应报错: %v", err)
	}
	if !dec.Emit() || dec.ReasonCode != ReasonPriceAndTimeOK {
		t.Fatalf("首次观测应以 PRICE_AND_TIME_OK 放行, 实际 %s/%s", dec.Outcome, dec.ReasonCode)
	}
	if dec.CorrelationID == "" {
		t.Fatal("应生成 correlation id")
	}

	key := storage.ThrottleKey{Symbol: "BTCUSDT", StrategyKey: "momentum-1h", Side: "BUY"}
	st := store.state(key)
	if st.ConfigFingerprint == "" {
		t.Fatal("首次评估应记录配置指纹")
	}
	if st.ForceNextSignal {
		t.Fatal("首次采纳指纹不应设置强制标志")
	}
	if st.LastPrice == nil || !st.LastPrice.Equal(decimal.RequireFromString("43250")) {
		t.Fatalf("基线价格应更新, 实际 %v", st.LastPrice)
	}
	if handle.count() != 1 {
		t.Fatalf("应写入 1 条决策记录, 实际 %d", handle.count())
	}
}

func TestEvaluateGateProgression(t *testing.T) {
	store := newFakeThrottleStore()
	handle := &fakeHandle{alive: true}
	eng := newTestEngine(store, handle, Options{Cooldown: time.Minute})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	eng.now = func() time.Time { return clock }

	// t=0: first observation emits and sets the baseline.
	dec, err := eng.Evaluate(context.Background(), inputAt("43250", clock))
	if err != nil || dec.ReasonCode != ReasonPriceAndTimeOK {
		t.Fatalf("t=0 应放行, 实际 %s (%v)", dec.ReasonCode, err)
	}

	// t=10s, price unchanged: both gates fail.
	clock = base.Add(10 * time.Second)
	dec, err = eng.Evaluate(context.Background(), inputAt("43250", clock))
	if err != nil || dec.ReasonCode != ReasonSkipThrottled {
		t.Fatalf("t=10s 价格未变应为 SKIP_THROTTLED, 实际 %s (%v)", dec.ReasonCode, err)
	}
	if dec.Blocked {
		t.Fatal("节流类跳过不应标记 blocked")
	}

	// t=15s, price moved 1% but cooldown still active.
	clock = base.Add(15 * time.Second)
	dec, err = eng.Evaluate(context.Background(), inputAt("43682.5", clock))
	if err != nil || dec.ReasonCode != ReasonSkipCooldownActive {
		t.Fatalf("冷却期内应为 SKIP_COOLDOWN_ACTIVE, 实际 %s (%v)", dec.ReasonCode, err)
	}

	// t=70s, cooldown elapsed but price barely moved.
	clock = base.Add(70 * time.Second)
	dec, err = eng.Evaluate(context.Background(), inputAt("43255", clock))
	if err != nil || dec.ReasonCode != ReasonSkipPriceUnchanged {
		t.Fatalf("价格变化不足应为 SKIP_PRICE_UNCHANGED, 实际 %s (%v)", dec.ReasonCode, err)
	}

	// t=80s, both gates pass.
	clock = base.Add(80 * time.Second)
	dec, err = eng.Evaluate(context.Background(), inputAt("43682.5", clock))
	if err != nil || dec.ReasonCode != ReasonPriceAndTimeOK {
		t.Fatalf("双门通过应放行, 实际 %s (%v)", dec.ReasonCode, err)
	}

	key := storage.ThrottleKey{Symbol: "BTCUSDT", StrategyKey: "momentum-1h", Side: "BUY"}
	st := store.state(key)
	if st.LastTime == nil || !st.LastTime.Equal(base.Add(80*time.Second)) {
		t.Fatalf("基线时间只应在放行时推进, 实际 %v", st.LastTime)
	}
}

func TestEvaluateDisabledBlocks(t *testing.T) {
	store := newFakeThrottleStore()
	handle := &fakeHandle{alive: true}
	eng := newTestEngine(store, handle, Options{Cooldown: time.Minute})

	in := inputAt("43250", time.Now())
	in.Config.Enabled = false

	dec, err := eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("评估不应报错: %v", err)
	}
	if dec.Emit() || dec.ReasonCode != ReasonSkipDisabled || !dec.Blocked {
		t.Fatalf("禁用配置应为 blocked SKIP_DISABLED, 实际 %s blocked=%t", dec.ReasonCode, dec.Blocked)
	}

	key := storage.ThrottleKey{Symbol: "BTCUSDT", StrategyKey: "momentum-1h", Side: "BUY"}
	if st := store.state(key); st.LastPrice != nil {
		t.Fatal("禁用跳过不应推进基线")
	}
}

func TestEvaluateStaleObservationBlocks(t *testing.T) {
	store := newFakeThrottleStore()
	handle := &fakeHandle{alive: true}
	eng := newTestEngine(store, handle, Options{Cooldown: time.Minute, ObservationMaxAge: 30 * time.Second})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return now }

	dec, err := eng.Evaluate(context.Background(), inputAt("43250", now.Add(-2*time.Minute)))
	if err != nil {
		t.Fatalf("评估不应报错: %v", err)
	}
	if dec.ReasonCode != ReasonSkipStaleData || !dec.Blocked {
		t.Fatalf("过期观测应为 blocked SKIP_STALE_DATA, 实际 %s blocked=%t", dec.ReasonCode, dec.Blocked)
	}
}

func TestFingerprintChangeForcesExactlyOnce(t *testing.T) {
	store := newFakeThrottleStore()
	handle := &fakeHandle{alive: true}
	eng := newTestEngine(store, handle, Options{Cooldown: time.Minute})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	eng.now = func() time.Time { return clock }

	if _, err := eng.Evaluate(context.Background(), inputAt("43250", clock)); err != nil {
		t.Fatalf("首次评估不应报错: %v", err)
	}

	// Same price inside the cooldown, but the threshold changed: the new
	// fingerprint arms a one-shot override that beats both gates.
	clock = base.Add(10 * time.Second)
	in := inputAt("43250", clock)
	in.Config.ThresholdPct = decimal.RequireFromString("1.5")

	dec, err := eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("评估不应报错: %v", err)
	}
	if dec.ReasonCode != ReasonForcedOverride {
		t.Fatalf("配置变更应触发 FORCED_OVERRIDE, 实际 %s", dec.ReasonCode)
	}

	// The override is consumed: the next identical evaluation throttles.
	clock = base.Add(20 * time.Second)
	dec, err = eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("评估不应报错: %v", err)
	}
	if dec.Emit() {
		t.Fatalf("强制放行只应消费一次, 实际 %s", dec.ReasonCode)
	}
}

func TestForceConsumedOnceUnderConcurrency(t *testing.T) {
	store := newFakeThrottleStore()
	handle := &fakeHandle{alive: true}
	eng := newTestEngine(store, handle, Options{Cooldown: time.Minute})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return base }

	key := storage.ThrottleKey{Symbol: "BTCUSDT", StrategyKey: "momentum-1h", Side: "BUY"}
	fp := Fingerprint(enabledConfig())
	if _, err := store.GetOrCreate(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	if err := store.SetFingerprint(context.Background(), key, fp); err != nil {
		t.Fatal(err)
	}
	last := decimal.RequireFromString("43250")
	lastAt := base.Add(-5 * time.Second)
	if err := store.MarkEmitted(context.Background(), key, last, lastAt, string(ReasonPriceAndTimeOK)); err != nil {
		t.Fatal(err)
	}
	// MarkEmitted clears force; re-arm it for the race.
	if err := store.SetFingerprint(context.Background(), key, fp); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	forced := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := eng.Evaluate(context.Background(), inputAt("43250", base))
			if err != nil {
				t.Errorf("并发评估不应报错: %v", err)
				return
			}
			if dec.ReasonCode == ReasonForcedOverride {
				mu.Lock()
				forced++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if forced != 1 {
		t.Fatalf("强制标志应恰好消费一次, 实际 %d", forced)
	}
}

func TestEvaluateDegradedWhenWriterDead(t *testing.T) {
	store := newFakeThrottleStore()
	handle := &fakeHandle{alive: false}
	eng := newTestEngine(store, handle, Options{Cooldown: time.Minute})

	dec, err := eng.Evaluate(context.Background(), inputAt("43250", time.Now()))
	if err != nil {
		t.Fatalf("审计失败不应让评估报错: %v", err)
	}
	if !dec.Emit() {
		t.Fatalf("决策本身应照常产出, 实际 %s", dec.ReasonCode)
	}
	if !dec.Degraded {
		t.Fatal("审计写入失败应标记 Degraded")
	}
	if handle.count() != 0 {
		t.Fatal("句柄失活时不应写入记录")
	}
}

func TestRecordValidationSkip(t *testing.T) {
	store := newFakeThrottleStore()
	handle := &fakeHandle{alive: true}
	eng := newTestEngine(store, handle, Options{Cooldown: time.Minute})

	in := inputAt("43250", time.Now())
	emitted, err := eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("评估不应报错: %v", err)
	}
	if !emitted.Emit() {
		t.Fatalf("前置条件: 首次评估应放行, 实际 %s", emitted.ReasonCode)
	}

	dec := eng.RecordValidationSkip(context.Background(), in, emitted.CorrelationID, "quantized quantity below venue minimum")

	if dec.ReasonCode != ReasonSkipBelowMinimum || !dec.Blocked {
		t.Fatalf("校验失败应为 blocked SKIP_BELOW_MINIMUM, 实际 %s blocked=%t", dec.ReasonCode, dec.Blocked)
	}
	if dec.Degraded {
		t.Fatal("改写已有记录不应降级")
	}
	if handle.count() != 1 {
		t.Fatalf("同一评估应只保留 1 条记录, 实际 %d", handle.count())
	}
	rec, err := handle.GetDecisionByCorrelationID(context.Background(), emitted.CorrelationID)
	if err != nil {
		t.Fatalf("correlation id 应可查回记录: %v", err)
	}
	if rec.Decision != string(OutcomeSkip) || rec.ReasonCode != string(ReasonSkipBelowMinimum) || !rec.Blocked {
		t.Fatalf("记录应改写为 blocked SKIP_BELOW_MINIMUM, 实际 %+v", rec)
	}
}

func TestRecordValidationSkipDegradesWhenRowMissing(t *testing.T) {
	store := newFakeThrottleStore()
	handle := &fakeHandle{alive: true}
	eng := newTestEngine(store, handle, Options{Cooldown: time.Minute})

	dec := eng.RecordValidationSkip(context.Background(), inputAt("43250", time.Now()), "corr-missing", "quantized quantity below venue minimum")

	if dec.ReasonCode != ReasonSkipBelowMinimum || !dec.Blocked {
		t.Fatalf("结论本身应照常产出, 实际 %s blocked=%t", dec.ReasonCode, dec.Blocked)
	}
	if !dec.Degraded {
		t.Fatal("无可改写记录时应标记 Degraded")
	}
}
