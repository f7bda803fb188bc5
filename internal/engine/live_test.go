package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"regimebot/internal/deal"
	"regimebot/internal/exchange"
	"regimebot/internal/models"
	"regimebot/internal/notify"
	"regimebot/internal/store"
)

// fakeGateway fills market orders at price immediately and keeps limit
// orders resting until the test fills them.
type fakeGateway struct {
	mu        sync.Mutex
	price     float64
	available float64
	seq       int
	orders    map[string]models.Order
	canceled  []string
	positions map[models.Direction]float64
	balances  int
	failPlace error
}

func newFakeGateway(price float64) *fakeGateway {
	return &fakeGateway{
		price:     price,
		available: 10000,
		orders:    map[string]models.Order{},
		positions: map[models.Direction]float64{},
	}
}

func (f *fakeGateway) GetInstrumentRules(context.Context, string) (exchange.InstrumentRules, error) {
	return exchange.InstrumentRules{TickSize: 0.01, LotSize: 0.001, MinQty: 0.001, MinNotional: 5, BaseCoin: "BTC", QuoteCoin: "USDT"}, nil
}

func (f *fakeGateway) PlaceOrder(_ context.Context, o models.Order) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPlace != nil {
		return models.Order{}, f.failPlace
	}
	f.seq++
	o.ID = fmt.Sprintf("o%d", f.seq)
	o.Status = models.OrderStatusNew
	if o.Type == models.OrderTypeMarket {
		f.fillLocked(&o, f.price)
	}
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeGateway) fillLocked(o *models.Order, price float64) {
	o.Status = models.OrderStatusFilled
	o.FilledQty = o.Qty
	o.AvgPrice = price
	if o.ReduceOnly {
		f.positions[o.Direction] -= o.Qty
	} else {
		f.positions[o.Direction] += o.Qty
	}
}

// fill executes the resting order whose link id contains role.
func (f *fakeGateway) fill(t *testing.T, role string) models.Order {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, o := range f.orders {
		if o.IsOpen() && strings.Contains(o.LinkID, "-"+role+"-") {
			f.fillLocked(&o, o.Price)
			f.orders[id] = o
			return o
		}
	}
	t.Fatalf("no resting %s order", role)
	return models.Order{}
}

func (f *fakeGateway) resting(kind models.OrderKind) []models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.orders {
		if o.Kind == kind && o.IsOpen() {
			out = append(out, o)
		}
	}
	return out
}

func (f *fakeGateway) QueryOrder(_ context.Context, _ string, id string) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return models.Order{}, errors.New("ордер не найден")
	}
	return o, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _ string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return errors.New("ордер не найден")
	}
	o.Status = models.OrderStatusCanceled
	f.orders[id] = o
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeGateway) GetBalance(_ context.Context, coin string) (exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances++
	return exchange.Balance{Coin: coin, Wallet: f.available, Available: f.available}, nil
}

func (f *fakeGateway) GetPosition(_ context.Context, symbol string, dir models.Direction) (exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return exchange.Position{Symbol: symbol, Direction: dir, Qty: f.positions[dir]}, nil
}

func newLiveEngine(t *testing.T, gw *fakeGateway, now *time.Time) *Engine {
	t.Helper()
	profile := flatProfile()
	cfg := testConfig(ModeLive, profile)
	e := newEngine(t, cfg, Deps{
		Policy:  longOnlyPolicy(t, profile),
		Gateway: gw,
		Now:     func() time.Time { return *now },
	})
	if err := e.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return e
}

func TestLiveOpenPlacesTakeProfitAndLadder(t *testing.T) {
	gw := newFakeGateway(100)
	now := t0
	e := newLiveEngine(t, gw, &now)

	_ = e.Step(context.Background(), reading(0, 100, 100, 100, models.RegimeRanging))
	d := e.OpenDeal(models.Long)
	if d == nil {
		t.Fatal("no deal opened")
	}
	if !near(d.Base.Qty, 0.4) || !near(d.Base.Price, 100) {
		t.Fatalf("base fill %+v", d.Base)
	}
	tps := gw.resting(models.OrderKindTP)
	if len(tps) != 1 || !near(tps[0].Price, 102) || !tps[0].ReduceOnly {
		t.Fatalf("tp orders %+v", tps)
	}
	if sos := gw.resting(models.OrderKindSafety); len(sos) != len(d.Ladder) || len(sos) == 0 {
		t.Fatalf("safety orders %d, ladder %d", len(sos), len(d.Ladder))
	}
}

func TestLiveSafetyFillMovesTakeProfit(t *testing.T) {
	gw := newFakeGateway(100)
	now := t0
	e := newLiveEngine(t, gw, &now)
	ctx := context.Background()

	_ = e.Step(ctx, reading(0, 100, 100, 100, models.RegimeRanging))
	oldTP := gw.resting(models.OrderKindTP)[0]
	so := gw.fill(t, "so1")

	now = now.Add(time.Hour)
	_ = e.Step(ctx, reading(1, 98, 99, 97.5, models.RegimeRanging))
	d := e.OpenDeal(models.Long)
	if d.FilledSafety() != 1 {
		t.Fatalf("filled safety = %d", d.FilledSafety())
	}
	if !near(d.TotalQty(), 0.4+so.Qty) {
		t.Fatalf("qty = %v", d.TotalQty())
	}
	tps := gw.resting(models.OrderKindTP)
	if len(tps) != 1 || tps[0].ID == oldTP.ID {
		t.Fatalf("tp not replaced: %+v", tps)
	}
	if !near(tps[0].Price, deal.RoundNearest(d.TPPrice, 0.01)) || !near(tps[0].Qty, deal.RoundDown(d.TotalQty(), 0.001)) {
		t.Fatalf("tp %+v, deal tp %v qty %v", tps[0], d.TPPrice, d.TotalQty())
	}

	gw.fill(t, "tp")
	now = now.Add(time.Hour)
	_ = e.Step(ctx, reading(2, 100, 101, 98, models.RegimeRanging))
	closed := e.ClosedDeals()
	if len(closed) != 1 || closed[0].Reason != deal.ReasonTakeProfit {
		t.Fatalf("closed %+v", closed)
	}
	if closed[0].RealizedPnL <= 0 {
		t.Fatalf("pnl = %v", closed[0].RealizedPnL)
	}
	for _, o := range gw.resting(models.OrderKindSafety) {
		if strings.HasPrefix(o.LinkID, "1-") {
			t.Fatalf("ladder of closed deal still resting: %s", o.LinkID)
		}
	}
}

func TestLiveReconcileClearsMissingPosition(t *testing.T) {
	gw := newFakeGateway(100)
	now := t0
	e := newLiveEngine(t, gw, &now)
	ctx := context.Background()
	_ = e.Step(ctx, reading(0, 100, 100, 100, models.RegimeRanging))

	gw.mu.Lock()
	gw.positions[models.Long] = 0
	gw.mu.Unlock()
	e.reconcile(ctx, 100, now)

	if e.HasOpenDeals() {
		t.Fatal("deal not cleared")
	}
	if closed := e.ClosedDeals(); len(closed) != 1 || closed[0].Reason != deal.ReasonReconciled {
		t.Fatalf("closed %+v", closed)
	}
}

func TestLiveReconcileAdjustsQuantity(t *testing.T) {
	gw := newFakeGateway(100)
	now := t0
	e := newLiveEngine(t, gw, &now)
	ctx := context.Background()
	_ = e.Step(ctx, reading(0, 100, 100, 100, models.RegimeRanging))
	d := e.OpenDeal(models.Long)
	avg := d.AvgEntry()

	gw.mu.Lock()
	gw.positions[models.Long] = 0.5
	gw.mu.Unlock()
	e.reconcile(ctx, 100, now)

	if !near(d.TotalQty(), 0.5) || !near(d.AvgEntry(), avg) {
		t.Fatalf("qty=%v avg=%v", d.TotalQty(), d.AvgEntry())
	}

	// Inside tolerance nothing changes.
	gw.mu.Lock()
	gw.positions[models.Long] = 0.503
	gw.mu.Unlock()
	e.reconcile(ctx, 100, now)
	if !near(d.TotalQty(), 0.5) {
		t.Fatalf("qty = %v", d.TotalQty())
	}
}

func TestLiveInsufficientMarginSkipsOpening(t *testing.T) {
	gw := newFakeGateway(100)
	gw.available = 50
	now := t0
	e := newLiveEngine(t, gw, &now)
	_ = e.Step(context.Background(), reading(0, 100, 100, 100, models.RegimeRanging))
	if e.HasOpenDeals() {
		t.Fatal("opened without margin")
	}
	if e.st.DealSeq != 0 || e.ConsecutiveErrors() != 0 {
		t.Fatalf("seq=%d errors=%d", e.st.DealSeq, e.ConsecutiveErrors())
	}
}

func TestLiveEntryFailureRollsBackCounter(t *testing.T) {
	gw := newFakeGateway(100)
	gw.failPlace = errors.New("HTTP 500")
	now := t0
	e := newLiveEngine(t, gw, &now)
	_ = e.Step(context.Background(), reading(0, 100, 100, 100, models.RegimeRanging))
	if e.HasOpenDeals() || e.st.DealSeq != 0 {
		t.Fatalf("open=%v seq=%d", e.HasOpenDeals(), e.st.DealSeq)
	}
	if e.ConsecutiveErrors() != 1 {
		t.Fatalf("errors = %d", e.ConsecutiveErrors())
	}
}

func TestMarginCacheHonoursTTL(t *testing.T) {
	gw := newFakeGateway(100)
	now := t0
	e := newLiveEngine(t, gw, &now)
	ctx := context.Background()

	if _, err := e.availableMargin(ctx, false); err != nil {
		t.Fatal(err)
	}
	if _, err := e.availableMargin(ctx, false); err != nil {
		t.Fatal(err)
	}
	if gw.balances != 1 {
		t.Fatalf("balance calls = %d", gw.balances)
	}
	now = now.Add(26 * time.Second)
	_, _ = e.availableMargin(ctx, false)
	if gw.balances != 2 {
		t.Fatalf("balance calls after ttl = %d", gw.balances)
	}
	_, _ = e.availableMargin(ctx, true)
	if gw.balances != 3 {
		t.Fatalf("balance calls after force = %d", gw.balances)
	}
}

// flakyTPGateway rejects take-profit placements while tpFailures lasts.
type flakyTPGateway struct {
	*fakeGateway
	tpFailures int
	tpAttempts int
}

func (f *flakyTPGateway) PlaceOrder(ctx context.Context, o models.Order) (models.Order, error) {
	if o.Kind == models.OrderKindTP {
		f.tpAttempts++
		if f.tpFailures > 0 {
			f.tpFailures--
			return models.Order{}, errors.New("insufficient margin for order")
		}
	}
	return f.fakeGateway.PlaceOrder(ctx, o)
}

func TestLiveTakeProfitFailureAtOpenCutsLadder(t *testing.T) {
	gw := newFakeGateway(100)
	now := t0
	sink := &recordingSink{}
	e := newLiveEngine(t, gw, &now)
	e.notifier = sink
	flaky := &flakyTPGateway{fakeGateway: gw, tpFailures: retryAttempts}
	e.gateway = flaky
	ctx := context.Background()

	_ = e.Step(ctx, reading(0, 100, 100, 100, models.RegimeRanging))
	d := e.OpenDeal(models.Long)
	if d == nil {
		t.Fatal("no deal opened")
	}
	if flaky.tpAttempts != retryAttempts+1 {
		t.Fatalf("tp attempts = %d", flaky.tpAttempts)
	}
	tps := gw.resting(models.OrderKindTP)
	if len(tps) != 1 || !near(tps[0].Price, 102) {
		t.Fatalf("tp orders %+v", tps)
	}
	if sos := gw.resting(models.OrderKindSafety); len(sos) != 0 {
		t.Fatalf("safety orders still resting: %d", len(sos))
	}
	if len(gw.canceled) != len(d.Ladder) {
		t.Fatalf("canceled %d, ladder %d", len(gw.canceled), len(d.Ladder))
	}
	lo := e.st.liveOrders(d.ID)
	if !lo.LadderCut || len(lo.Safety) != 0 {
		t.Fatalf("ladder cut=%v tracked=%d", lo.LadderCut, len(lo.Safety))
	}
	if sink.has(notify.KindAlert) {
		t.Fatalf("alert after successful retry: %v", sink.kinds())
	}

	// The next cycle leaves the cut ladder off the book.
	now = now.Add(time.Hour)
	_ = e.Step(ctx, reading(1, 100, 100.5, 99.5, models.RegimeRanging))
	if sos := gw.resting(models.OrderKindSafety); len(sos) != 0 {
		t.Fatalf("ladder re-placed: %d", len(sos))
	}
	if next := gw.resting(models.OrderKindTP); len(next) != 1 || next[0].ID != tps[0].ID {
		t.Fatalf("tp orders %+v", next)
	}
}

func TestLiveTakeProfitFailureOnReplaceCutsLadder(t *testing.T) {
	gw := newFakeGateway(100)
	now := t0
	e := newLiveEngine(t, gw, &now)
	ctx := context.Background()
	_ = e.Step(ctx, reading(0, 100, 100, 100, models.RegimeRanging))
	d := e.OpenDeal(models.Long)

	flaky := &flakyTPGateway{fakeGateway: gw, tpFailures: retryAttempts}
	e.gateway = flaky
	if err := e.replaceOrders(ctx, d); err != nil {
		t.Fatalf("replaceOrders: %v", err)
	}
	if tps := gw.resting(models.OrderKindTP); len(tps) != 1 {
		t.Fatalf("tp orders = %d", len(tps))
	}
	if sos := gw.resting(models.OrderKindSafety); len(sos) != 0 {
		t.Fatalf("safety orders still resting: %d", len(sos))
	}
	if !e.st.liveOrders(d.ID).LadderCut {
		t.Fatal("ladder not marked as cut")
	}

	// A later replacement with margin to spare restores the ladder.
	e.gateway = gw
	if err := e.replaceOrders(ctx, d); err != nil {
		t.Fatalf("replaceOrders: %v", err)
	}
	if sos := gw.resting(models.OrderKindSafety); len(sos) != len(d.Ladder) {
		t.Fatalf("safety orders %d, ladder %d", len(sos), len(d.Ladder))
	}
	if tps := gw.resting(models.OrderKindTP); len(tps) != 1 {
		t.Fatalf("tp orders = %d", len(tps))
	}
	if e.st.liveOrders(d.ID).LadderCut {
		t.Fatal("ladder still marked as cut")
	}
}

func TestLiveTakeProfitAlertWhenRetryFails(t *testing.T) {
	gw := newFakeGateway(100)
	now := t0
	sink := &recordingSink{}
	e := newLiveEngine(t, gw, &now)
	e.notifier = sink
	flaky := &flakyTPGateway{fakeGateway: gw, tpFailures: 2 * retryAttempts}
	e.gateway = flaky
	ctx := context.Background()

	_ = e.Step(ctx, reading(0, 100, 100, 100, models.RegimeRanging))
	d := e.OpenDeal(models.Long)
	if d == nil {
		t.Fatal("no deal opened")
	}
	if flaky.tpAttempts != 2*retryAttempts {
		t.Fatalf("tp attempts = %d", flaky.tpAttempts)
	}
	if !sink.has(notify.KindAlert) {
		t.Fatalf("no alert: %v", sink.kinds())
	}
	if tps, sos := gw.resting(models.OrderKindTP), gw.resting(models.OrderKindSafety); len(tps) != 0 || len(sos) != 0 {
		t.Fatalf("tp=%d safety=%d", len(tps), len(sos))
	}
	if e.ConsecutiveErrors() != 1 {
		t.Fatalf("errors = %d", e.ConsecutiveErrors())
	}

	now = now.Add(time.Hour)
	_ = e.Step(ctx, reading(1, 100, 100.5, 99.5, models.RegimeRanging))
	if tps := gw.resting(models.OrderKindTP); len(tps) != 1 {
		t.Fatalf("tp not placed on the next cycle: %d", len(tps))
	}
	if sos := gw.resting(models.OrderKindSafety); len(sos) != 0 {
		t.Fatalf("ladder re-placed: %d", len(sos))
	}
}

func loadSnapshot(t *testing.T, mem *store.Memory) Snapshot {
	t.Helper()
	data, err := mem.Load(context.Background(), "engine:BTCUSDT")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return s
}

func TestLiveDealTransitionsArePersisted(t *testing.T) {
	gw := newFakeGateway(100)
	now := t0
	mem := store.NewMemory()
	profile := flatProfile()
	e := newEngine(t, testConfig(ModeLive, profile), Deps{
		Policy:  longOnlyPolicy(t, profile),
		Gateway: gw,
		Store:   mem,
		Now:     func() time.Time { return now },
	})
	ctx := context.Background()
	if err := e.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	_ = e.Step(ctx, reading(0, 100, 100, 100, models.RegimeRanging))
	if s := loadSnapshot(t, mem); s.Open[models.Long] == nil {
		t.Fatal("opened deal not persisted")
	}

	gw.fill(t, "so1")
	now = now.Add(time.Hour)
	_ = e.Step(ctx, reading(1, 98, 99, 97.5, models.RegimeRanging))
	if d := loadSnapshot(t, mem).Open[models.Long]; d == nil || d.FilledSafety() != 1 {
		t.Fatalf("safety fill not persisted: %+v", d)
	}

	gw.fill(t, "tp")
	now = now.Add(time.Hour)
	_ = e.Step(ctx, reading(2, 100, 101, 98, models.RegimeRanging))
	s := loadSnapshot(t, mem)
	if s.Open[models.Long] != nil || len(s.Closed) != 1 || s.Closed[0].Reason != deal.ReasonTakeProfit {
		t.Fatalf("close not persisted: open=%v closed=%d", s.Open[models.Long], len(s.Closed))
	}
}

func TestErrorStreakEndsOnSuccessfulCall(t *testing.T) {
	gw := newFakeGateway(100)
	now := t0
	e := newLiveEngine(t, gw, &now)
	ctx := context.Background()
	o := e.order(models.Long, models.Long.EntrySide(), models.OrderTypeLimit, models.OrderKindSafety, 95, 0.1)

	fail := func() {
		gw.mu.Lock()
		gw.failPlace = errors.New("HTTP 500")
		gw.mu.Unlock()
		_, err := e.place(ctx, o)
		e.recordError(ctx, "place", err)
	}

	fail()
	fail()
	if _, err := e.availableMargin(ctx, true); err != nil {
		t.Fatal(err)
	}
	if e.ConsecutiveErrors() != 0 {
		t.Fatalf("errors after success = %d", e.ConsecutiveErrors())
	}
	fail()
	fail()
	if e.Halted() {
		t.Fatal("halted after two errors")
	}
	fail()
	if !e.Halted() {
		t.Fatalf("not halted after %d errors", e.ConsecutiveErrors())
	}
}
