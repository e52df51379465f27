package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"signal-gate/internal/alerting"
	"signal-gate/internal/config"
	"signal-gate/internal/engine"
	"signal-gate/internal/exchange"
	"signal-gate/internal/precision"
	"signal-gate/internal/record"
	"signal-gate/internal/storage"

	ledgerpkg "signal-gate/internal/ledger"
)

type memThrottle struct {
	mu     sync.Mutex
	states map[storage.ThrottleKey]*storage.ThrottleState
}

func newMemThrottle() *memThrottle {
	return &memThrottle{states: make(map[storage.ThrottleKey]*storage.ThrottleState)}
}

func (m *memThrottle) GetOrCreate(ctx context.Context, key storage.ThrottleKey) (storage.ThrottleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok {
		st = &storage.ThrottleState{Key: key}
		m.states[key] = st
	}
	return *st, nil
}

func (m *memThrottle) MarkEmitted(ctx context.Context, key storage.ThrottleKey, price decimal.Decimal, at time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[key]
	p := price
	ts := at
	st.LastPrice = &p
	st.LastTime = &ts
	st.ForceNextSignal = false
	st.EmitReason = reason
	return nil
}

func (m *memThrottle) ConsumeForce(ctx context.Context, key storage.ThrottleKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[key]
	if !st.ForceNextSignal {
		return false, nil
	}
	st.ForceNextSignal = false
	return true, nil
}

func (m *memThrottle) SetFingerprint(ctx context.Context, key storage.ThrottleKey, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[key]
	st.ConfigFingerprint = fingerprint
	st.ForceNextSignal = true
	return nil
}

func (m *memThrottle) AdoptFingerprint(ctx context.Context, key storage.ThrottleKey, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[key]
	if st.ConfigFingerprint == "" {
		st.ConfigFingerprint = fingerprint
	}
	return nil
}

type memHandle struct {
	mu      sync.Mutex
	records []storage.DecisionRecord
}

func (h *memHandle) Alive() bool { return true }

func (h *memHandle) InsertDecision(ctx context.Context, rec storage.DecisionRecord) error {
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

func (h *memHandle) AmendDecision(ctx context.Context, rec storage.DecisionRecord) error {
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

func (h *memHandle) ListRecentDecisions(ctx context.Context, limit int) ([]storage.DecisionRecord, error) {
	return nil, nil
}

func (h *memHandle) ListDecisionsBetween(ctx context.Context, symbol string, from, to time.Time) ([]storage.DecisionRecord, error) {
	return nil, nil
}

func (h *memHandle) GetDecisionByCorrelationID(ctx context.Context, correlationID string) (storage.DecisionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range h.records {
		if rec.CorrelationID == correlationID {
			return rec, nil
		}
	}
	return storage.DecisionRecord{}, storage.ErrDecisionNotFound
}

type captureLedger struct {
	accepted bool
	owner    string
	err      error
	events   []storage.DedupEvent
}

func (l *captureLedger) Commit(ctx context.Context, event storage.DedupEvent) (ledgerpkg.CommitResult, error) {
	if l.err != nil {
		return ledgerpkg.CommitResult{}, l.err
	}
	l.events = append(l.events, event)
	return ledgerpkg.CommitResult{Accepted: l.accepted, ExistingCorrelationID: l.owner}, nil
}

type captureNotifier struct {
	notes []alerting.Notification
}

func (n *captureNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	n.notes = append(n.notes, note)
	return nil
}

type captureSubmitter struct {
	orders []exchange.OrderRequest
}

func (s *captureSubmitter) Submit(ctx context.Context, order exchange.OrderRequest) error {
	s.orders = append(s.orders, order)
	return nil
}

type staticPrecision struct {
	prec precision.Precision
	err  error
}

func (p staticPrecision) Lookup(ctx context.Context, symbol string) (precision.Precision, error) {
	return p.prec, p.err
}

func freshPrecision() precision.Precision {
	return precision.Precision{
		Symbol:           "BTCUSDT",
		PriceDecimals:    2,
		PriceTick:        decimal.RequireFromString("0.01"),
		QuantityDecimals: 6,
		QuantityStep:     decimal.RequireFromString("0.000001"),
		MinQuantity:      decimal.RequireFromString("0.0001"),
		MinNotional:      decimal.RequireFromString("10"),
		FetchedAt:        time.Now(),
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Dedup: config.DedupConfig{
			TTL:         time.Hour,
			PriceBucket: 0.5,
			TimeBucket:  time.Minute,
		},
		Alerting: config.AlertingConfig{Enabled: true, Channels: []string{"telegram"}},
		Watches: []config.WatchConfig{{
			Symbol:       "BTCUSDT",
			StrategyKey:  "momentum-1h",
			Timeframe:    "1h",
			Enabled:      true,
			Sides:        []string{"BUY"},
			ThresholdPct: 0.5,
			TradeSize:    0.01,
		}},
	}
}

func newTestService(t *testing.T, cfg *config.Config, led ledgerpkg.Ledger, notifier *captureNotifier, submitter *captureSubmitter, prec precision.Provider) (*Service, *memHandle) {
	t.Helper()
	handle := &memHandle{}
	writer := record.NewWriter(handle, time.Second, zerolog.Nop())
	eng := engine.New(newMemThrottle(), writer, engine.Options{Cooldown: time.Minute}, zerolog.Nop())

	svc := New(cfg, Deps{
		Engine:    eng,
		Ledger:    led,
		Precision: prec,
		Notifier:  notifier,
		Submitter: submitter,
	}, zerolog.Nop())
	return svc, handle
}

func TestEvaluateSideEmitDelivers(t *testing.T) {
	cfg := testConfig()
	led := &captureLedger{accepted: true}
	notifier := &captureNotifier{}
	submitter := &captureSubmitter{}
	svc, _ := newTestService(t, cfg, led, notifier, submitter, staticPrecision{prec: freshPrecision()})

	err := svc.EvaluateSide(context.Background(), cfg.Watches[0], engine.SideBuy, decimal.RequireFromString("43250.123456"), time.Now())
	if err != nil {
		t.Fatalf("放行路径不应报错: %v", err)
	}

	if len(led.events) != 1 {
		t.Fatalf("应提交 1 条去重事件, 实际 %d", len(led.events))
	}
	if led.events[0].Action != "order" {
		t.Fatalf("trade_size 为正时动作应为 order, 实际 %s", led.events[0].Action)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("应推送 1 条告警, 实际 %d", len(notifier.notes))
	}
	if notifier.notes[0].Price != "43250.12" {
		t.Fatalf("告警应携带量化后的价格, 实际 %s", notifier.notes[0].Price)
	}
	if len(submitter.orders) != 1 {
		t.Fatalf("应提交 1 笔订单, 实际 %d", len(submitter.orders))
	}
	if submitter.orders[0].Quantity != "0.010000" {
		t.Fatalf("订单数量应按步长量化, 实际 %s", submitter.orders[0].Quantity)
	}
	if submitter.orders[0].CorrelationID != notifier.notes[0].CorrelationID {
		t.Fatal("订单与告警应共享 correlation id")
	}
}

func TestEvaluateSideDedupConflictSuppressesDelivery(t *testing.T) {
	cfg := testConfig()
	led := &captureLedger{accepted: false, owner: "corr-earlier"}
	notifier := &captureNotifier{}
	submitter := &captureSubmitter{}
	svc, _ := newTestService(t, cfg, led, notifier, submitter, staticPrecision{prec: freshPrecision()})

	err := svc.EvaluateSide(context.Background(), cfg.Watches[0], engine.SideBuy, decimal.RequireFromString("43250"), time.Now())
	if err != nil {
		t.Fatalf("去重冲突应为幂等空操作: %v", err)
	}
	if len(notifier.notes) != 0 || len(submitter.orders) != 0 {
		t.Fatal("去重冲突后不应触达下游")
	}
}

func TestEvaluateSideLedgerErrorFailsClosed(t *testing.T) {
	cfg := testConfig()
	led := &captureLedger{err: errors.New("connection refused")}
	notifier := &captureNotifier{}
	submitter := &captureSubmitter{}
	svc, _ := newTestService(t, cfg, led, notifier, submitter, staticPrecision{prec: freshPrecision()})

	err := svc.EvaluateSide(context.Background(), cfg.Watches[0], engine.SideBuy, decimal.RequireFromString("43250"), time.Now())
	if err == nil {
		t.Fatal("账本失败应阻止分发并报错")
	}
	if len(notifier.notes) != 0 || len(submitter.orders) != 0 {
		t.Fatal("账本失败后不应触达下游")
	}
}

func TestEvaluateSideValidationSkip(t *testing.T) {
	cfg := testConfig()
	cfg.Watches[0].TradeSize = 0.0000005
	led := &captureLedger{accepted: true}
	notifier := &captureNotifier{}
	submitter := &captureSubmitter{}
	svc, handle := newTestService(t, cfg, led, notifier, submitter, staticPrecision{prec: freshPrecision()})

	err := svc.EvaluateSide(context.Background(), cfg.Watches[0], engine.SideBuy, decimal.RequireFromString("43250"), time.Now())
	if err != nil {
		t.Fatalf("校验失败应吞掉发射而非报错: %v", err)
	}
	if len(led.events) != 0 {
		t.Fatal("低于最小量的发射不应进入去重账本")
	}
	if len(notifier.notes) != 0 || len(submitter.orders) != 0 {
		t.Fatal("低于最小量的发射不应触达下游")
	}

	handle.mu.Lock()
	total := len(handle.records)
	var corrID string
	if total > 0 {
		corrID = handle.records[0].CorrelationID
	}
	handle.mu.Unlock()
	if total != 1 {
		t.Fatalf("同一评估应只保留 1 条记录, 实际 %d", total)
	}
	rec, err := handle.GetDecisionByCorrelationID(context.Background(), corrID)
	if err != nil {
		t.Fatalf("correlation id 应可查回记录: %v", err)
	}
	if rec.Decision != string(engine.OutcomeSkip) || rec.ReasonCode != string(engine.ReasonSkipBelowMinimum) || !rec.Blocked {
		t.Fatalf("记录应改写为 blocked SKIP_BELOW_MINIMUM, 实际 %+v", rec)
	}
}

func TestEvaluateSideFallbackWhenPrecisionUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.Watches[0].TradeSize = 0
	led := &captureLedger{accepted: true}
	notifier := &captureNotifier{}
	svc, _ := newTestService(t, cfg, led, notifier, &captureSubmitter{}, staticPrecision{err: errors.New("venue down")})

	err := svc.EvaluateSide(context.Background(), cfg.Watches[0], engine.SideBuy, decimal.RequireFromString("43250.129"), time.Now())
	if err != nil {
		t.Fatalf("元数据不可用应走降级格式化: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("降级路径仍应告警, 实际 %d", len(notifier.notes))
	}
	if notifier.notes[0].Price != "43250.12" {
		t.Fatalf("降级表应按 0.01 向下对齐, 实际 %s", notifier.notes[0].Price)
	}
	if led.events[0].Action != "alert" {
		t.Fatalf("trade_size 为零时动作应为 alert, 实际 %s", led.events[0].Action)
	}
}

type stubLocker struct {
	acquired bool
	err      error
	calls    int
}

func (l *stubLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	l.calls++
	if l.err != nil {
		return nil, false, l.err
	}
	if !l.acquired {
		return nil, false, nil
	}
	return func() {}, true, nil
}

type stubFetcher struct {
	calls int
}

func (f *stubFetcher) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	f.calls++
	return decimal.RequireFromString("43250"), time.Now(), nil
}

func TestProcessCycleSkipsWhenLockHeldElsewhere(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.AdvisoryLockKey = 7741
	led := &captureLedger{accepted: true}
	svc, _ := newTestService(t, cfg, led, &captureNotifier{}, &captureSubmitter{}, staticPrecision{prec: freshPrecision()})

	locker := &stubLocker{acquired: false}
	fetch := &stubFetcher{}
	svc.locker = locker
	svc.lockKey = cfg.Scheduler.AdvisoryLockKey
	svc.fetcher = fetch

	if err := svc.ProcessCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("锁被他处持有应静默跳过: %v", err)
	}
	if locker.calls != 1 {
		t.Fatalf("应尝试获取锁一次, 实际 %d", locker.calls)
	}
	if fetch.calls != 0 {
		t.Fatal("未持锁时不应拉取行情")
	}
}

func TestProcessCycleEvaluatesWatches(t *testing.T) {
	cfg := testConfig()
	led := &captureLedger{accepted: true}
	notifier := &captureNotifier{}
	svc, _ := newTestService(t, cfg, led, notifier, &captureSubmitter{}, staticPrecision{prec: freshPrecision()})

	fetch := &stubFetcher{}
	svc.fetcher = fetch

	if err := svc.ProcessCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("周期处理不应报错: %v", err)
	}
	if fetch.calls != 1 {
		t.Fatalf("每个 watch 应拉取一次行情, 实际 %d", fetch.calls)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("首次观测应放行并告警, 实际 %d", len(notifier.notes))
	}
}
