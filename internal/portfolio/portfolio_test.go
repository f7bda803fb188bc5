package portfolio

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"regimebot/internal/deal"
	"regimebot/internal/engine"
	"regimebot/internal/logger"
	"regimebot/internal/notify"
	"regimebot/internal/ranking"
	"regimebot/internal/store"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

type fakeTrader struct {
	symbol      string
	capital     float64
	equity      float64
	open        bool
	halted      bool
	windingDown bool
	closes      int
	cycles      int
	cycleErr    error
}

func (f *fakeTrader) Symbol() string                { return f.symbol }
func (f *fakeTrader) Prepare(context.Context) error { return nil }
func (f *fakeTrader) Equity() float64               { return f.equity }
func (f *fakeTrader) HasOpenDeals() bool            { return f.open }
func (f *fakeTrader) Halted() bool                  { return f.halted }
func (f *fakeTrader) SetWindingDown(on bool)        { f.windingDown = on }

func (f *fakeTrader) Cycle(context.Context) error {
	f.cycles++
	return f.cycleErr
}

func (f *fakeTrader) SetCapital(capital float64) {
	f.equity += capital - f.capital
	f.capital = capital
}

func (f *fakeTrader) CloseAll(context.Context, deal.CloseReason) error {
	f.closes++
	f.open = false
	return nil
}

func (f *fakeTrader) Halt(context.Context, string) { f.halted = true }

func (f *fakeTrader) Status() engine.Status {
	return engine.Status{Symbol: f.symbol, Capital: f.capital, Cash: f.equity, Equity: f.equity, Halted: f.halted}
}

func (f *fakeTrader) Snapshot() (engine.Snapshot, error) {
	return engine.Snapshot{
		Version: engine.SnapshotVersion,
		Symbol:  f.symbol,
		State:   engine.State{Cash: f.equity, Capital: f.capital, Halted: f.halted},
	}, nil
}

func (f *fakeTrader) Restore(s engine.Snapshot) error {
	f.equity = s.Cash
	f.capital = s.Capital
	f.halted = s.Halted
	return nil
}

type harness struct {
	c       *Coordinator
	now     time.Time
	traders map[string]*fakeTrader
	created int
	sink    *recordingSink
	store   *store.Memory
}

type recordingSink struct {
	events []notify.Event
}

func (s *recordingSink) Send(ev notify.Event) {
	s.events = append(s.events, ev)
}

func (s *recordingSink) count(kind notify.Kind) int {
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		now:     t0,
		traders: map[string]*fakeTrader{},
		sink:    &recordingSink{},
		store:   store.NewMemory(),
	}
	c, err := New(DefaultConfig(1000), Deps{
		Factory:  h.factory,
		Store:    h.store,
		Notifier: h.sink,
		Log:      logger.New(logger.Config{Level: "panic"}),
		Now:      func() time.Time { return h.now },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.c = c
	return h
}

func (h *harness) factory(symbol string, capital float64) (Trader, error) {
	h.created++
	f := &fakeTrader{symbol: symbol, capital: capital, equity: capital}
	h.traders[symbol] = f
	return f, nil
}

func threeCoins() []ranking.Entry {
	return []ranking.Entry{
		{Symbol: "BTC/USDT", Score: 5},
		{Symbol: "ETHUSDT", Score: 3},
		{Symbol: "SOLUSDT", Score: 2},
		{Symbol: "XRPUSDT", Score: 1},
	}
}

func capitals(c *Coordinator) map[string]float64 {
	out := map[string]float64{}
	for _, s := range c.Slots() {
		out[s.Symbol] = s.Capital
	}
	return out
}

func TestTargetsSplitByScoreAfterReserve(t *testing.T) {
	h := newHarness(t)
	got := h.c.Targets(threeCoins())
	want := map[string]float64{"BTCUSDT": 450, "ETHUSDT": 270, "SOLUSDT": 180}
	if len(got) != len(want) {
		t.Fatalf("targets = %+v", got)
	}
	for _, tg := range got {
		if math.Abs(tg.Capital-want[tg.Symbol]) > 1e-9 {
			t.Errorf("%s capital = %v, want %v", tg.Symbol, tg.Capital, want[tg.Symbol])
		}
	}
}

func TestTargetsDropBelowFloor(t *testing.T) {
	h := newHarness(t)
	got := h.c.Targets([]ranking.Entry{
		{Symbol: "BTCUSDT", Score: 10},
		{Symbol: "ETHUSDT", Score: 8},
		{Symbol: "DOGEUSDT", Score: 1},
		{Symbol: "BADUSDT", Score: -3},
	})
	if len(got) != 2 {
		t.Fatalf("targets = %+v", got)
	}
	for _, tg := range got {
		if tg.Symbol == "DOGEUSDT" {
			t.Fatal("share under the floor was kept")
		}
	}
}

func TestRebalanceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.c.Rebalance(ctx, threeCoins()); err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	first := capitals(h.c)
	pool := h.c.Status().Pool
	rotations := len(h.c.Rotations())

	for i := 0; i < 3; i++ {
		h.now = h.now.Add(time.Hour)
		if err := h.c.Rebalance(ctx, threeCoins()); err != nil {
			t.Fatalf("Rebalance: %v", err)
		}
	}
	second := capitals(h.c)
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("slots first=%v second=%v", first, second)
	}
	for sym, v := range first {
		if second[sym] != v {
			t.Errorf("%s capital drifted %v -> %v", sym, v, second[sym])
		}
	}
	if h.c.Status().Pool != pool || pool != 100 {
		t.Fatalf("pool = %v, was %v", h.c.Status().Pool, pool)
	}
	if h.created != 3 || len(h.c.Rotations()) != rotations {
		t.Fatalf("created=%d rotations=%d want %d", h.created, len(h.c.Rotations()), rotations)
	}
}

func TestCircuitBreakerAtExactlyThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.c.Rebalance(ctx, threeCoins()); err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	for _, f := range h.traders {
		f.open = true
	}

	// Pool 100 + 650 = 750.01: still above.
	h.traders["BTCUSDT"].equity = 300.01
	h.traders["ETHUSDT"].equity = 200
	h.traders["SOLUSDT"].equity = 150
	if err := h.c.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if h.c.Halted() {
		t.Fatal("halted above threshold")
	}

	h.traders["BTCUSDT"].equity = 300
	if err := h.c.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if !h.c.Halted() {
		t.Fatalf("not halted at equity %v", h.c.Equity())
	}
	for sym, f := range h.traders {
		if f.closes != 1 || f.open || !f.halted {
			t.Errorf("%s closes=%d open=%v halted=%v", sym, f.closes, f.open, f.halted)
		}
	}
	if h.sink.count(notify.KindCircuitBreaker) != 1 {
		t.Fatalf("circuit breaker events = %d", h.sink.count(notify.KindCircuitBreaker))
	}

	cycles := h.traders["BTCUSDT"].cycles
	if err := h.c.Cycle(ctx); !errors.Is(err, ErrHalted) {
		t.Fatalf("Cycle after halt = %v", err)
	}
	if h.traders["BTCUSDT"].cycles != cycles {
		t.Fatal("halted portfolio still cycles slots")
	}
	if err := h.c.Rebalance(ctx, []ranking.Entry{{Symbol: "ADAUSDT", Score: 9}}); !errors.Is(err, ErrHalted) {
		t.Fatalf("Rebalance after halt = %v", err)
	}
	if h.created != 3 {
		t.Fatalf("created = %d", h.created)
	}
	if _, err := h.store.Load(ctx, storeKey); err != nil {
		t.Fatalf("snapshot not persisted: %v", err)
	}
}

func TestKillSwitchClosesEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.c.Rebalance(ctx, threeCoins())
	h.traders["ETHUSDT"].open = true
	h.traders["ETHUSDT"].cycleErr = errors.New("HTTP 502")

	for i := 0; i < 2; i++ {
		_ = h.c.Cycle(ctx)
		if h.c.Halted() {
			t.Fatalf("halted after %d failed cycles", i+1)
		}
	}
	_ = h.c.Cycle(ctx)
	if !h.c.Halted() {
		t.Fatal("kill switch did not fire")
	}
	if h.traders["ETHUSDT"].open || !h.traders["BTCUSDT"].halted {
		t.Fatal("slots were not closed and halted")
	}
	if h.sink.count(notify.KindKillSwitch) != 1 {
		t.Fatalf("kill switch events = %d", h.sink.count(notify.KindKillSwitch))
	}
}

func TestSuccessfulCycleResetsErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.c.Rebalance(ctx, threeCoins())
	f := h.traders["SOLUSDT"]

	f.cycleErr = errors.New("timeout")
	_ = h.c.Cycle(ctx)
	_ = h.c.Cycle(ctx)
	f.cycleErr = nil
	_ = h.c.Cycle(ctx)
	f.cycleErr = errors.New("timeout")
	_ = h.c.Cycle(ctx)
	_ = h.c.Cycle(ctx)
	if h.c.Halted() {
		t.Fatal("errors were not reset by a clean cycle")
	}
}

func TestRotationRespectsMinimumHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.c.Rebalance(ctx, threeCoins())

	next := []ranking.Entry{
		{Symbol: "BTCUSDT", Score: 5},
		{Symbol: "ETHUSDT", Score: 3},
		{Symbol: "ADAUSDT", Score: 4},
	}
	h.now = t0.Add(time.Hour)
	_ = h.c.Rebalance(ctx, next)
	if h.traders["SOLUSDT"].windingDown {
		t.Fatal("slot rotated before the minimum hold")
	}
	if _, ok := h.traders["ADAUSDT"]; ok {
		t.Fatal("new coin added while every place is taken")
	}
}

func TestRotationNeedsImprovement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.c.Rebalance(ctx, threeCoins())
	h.now = t0.Add(5 * time.Hour)

	// 2.3 is only 15% better than SOL's 2.
	_ = h.c.Rebalance(ctx, []ranking.Entry{
		{Symbol: "BTCUSDT", Score: 5},
		{Symbol: "ETHUSDT", Score: 3},
		{Symbol: "ADAUSDT", Score: 2.3},
	})
	if h.traders["SOLUSDT"].windingDown {
		t.Fatal("rotated for a small improvement")
	}

	_ = h.c.Rebalance(ctx, []ranking.Entry{
		{Symbol: "BTCUSDT", Score: 5},
		{Symbol: "ETHUSDT", Score: 3},
		{Symbol: "ADAUSDT", Score: 2.5},
	})
	if !h.traders["SOLUSDT"].windingDown {
		t.Fatal("slot not winding down")
	}
	if h.sink.count(notify.KindWindDown) != 1 {
		t.Fatalf("wind-down events = %d", h.sink.count(notify.KindWindDown))
	}
}

func TestWindDownCompletesWhenDealsClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.c.Rebalance(ctx, threeCoins())
	sol := h.traders["SOLUSDT"]
	sol.open = true
	sol.equity = 190

	h.now = t0.Add(5 * time.Hour)
	_ = h.c.Rebalance(ctx, []ranking.Entry{
		{Symbol: "BTCUSDT", Score: 5},
		{Symbol: "ETHUSDT", Score: 3},
		{Symbol: "ADAUSDT", Score: 4},
	})
	if _, ok := h.traders["ADAUSDT"]; !ok {
		t.Fatal("replacement not added")
	}
	poolBefore := h.c.Status().Pool

	_ = h.c.Cycle(ctx)
	if len(h.c.Slots()) != 4 {
		t.Fatalf("slot removed with open deals: %d", len(h.c.Slots()))
	}

	sol.open = false
	_ = h.c.Cycle(ctx)
	if len(h.c.Slots()) != 3 || sol.closes != 0 {
		t.Fatalf("slots=%d closes=%d", len(h.c.Slots()), sol.closes)
	}
	if got := h.c.Status().Pool; math.Abs(got-(poolBefore+190)) > 1e-9 {
		t.Fatalf("pool = %v, want %v", got, poolBefore+190)
	}
}

func TestWindDownTimeoutForcesClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.c.Rebalance(ctx, threeCoins())
	sol := h.traders["SOLUSDT"]
	sol.open = true

	h.now = t0.Add(5 * time.Hour)
	_ = h.c.Rebalance(ctx, []ranking.Entry{
		{Symbol: "BTCUSDT", Score: 5},
		{Symbol: "ETHUSDT", Score: 3},
		{Symbol: "ADAUSDT", Score: 4},
	})

	h.now = h.now.Add(time.Hour)
	_ = h.c.Cycle(ctx)
	if sol.closes != 0 {
		t.Fatal("closed before the timeout")
	}

	h.now = h.now.Add(61 * time.Minute)
	_ = h.c.Cycle(ctx)
	if sol.closes != 1 {
		t.Fatalf("closes = %d", sol.closes)
	}
	for _, s := range h.c.Slots() {
		if s.Symbol == "SOLUSDT" {
			t.Fatal("timed out slot still present")
		}
	}
	last := h.c.Rotations()[len(h.c.Rotations())-1]
	if last.Action != "removed" || last.Reason != "wind_down_timeout" {
		t.Fatalf("last rotation %+v", last)
	}
}

func TestRotationHistoryIsBounded(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 80; i++ {
		h.c.record(Rotation{Action: "resized", Symbol: "BTCUSDT"})
	}
	if n := len(h.c.Rotations()); n != 50 {
		t.Fatalf("history = %d", n)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.c.Rebalance(ctx, threeCoins())
	h.traders["ETHUSDT"].equity = 280
	if err := h.c.Persist(ctx); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	h2 := newHarness(t)
	h2.store = h.store
	h2.c.store = h.store
	ok, err := h2.c.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if math.Abs(h2.c.Equity()-h.c.Equity()) > 1e-9 {
		t.Fatalf("equity %v, want %v", h2.c.Equity(), h.c.Equity())
	}
	if len(h2.c.Slots()) != 3 || len(h2.c.Rotations()) != len(h.c.Rotations()) {
		t.Fatalf("slots=%d rotations=%d", len(h2.c.Slots()), len(h2.c.Rotations()))
	}

	// Same ranking after restore is still a no-op.
	created := h2.created
	_ = h2.c.Rebalance(ctx, threeCoins())
	if h2.created != created {
		t.Fatal("restored portfolio re-created slots")
	}
}

func TestRestoreRejectsUnknownVersion(t *testing.T) {
	h := newHarness(t)
	if err := h.c.Restore(context.Background(), Snapshot{Version: 7}); !errors.Is(err, ErrSnapshotVersion) {
		t.Fatalf("err = %v", err)
	}
}
