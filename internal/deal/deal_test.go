package deal

import (
	"errors"
	"math"
	"testing"
	"time"

	"regimebot/internal/models"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func bar(i int, high, low float64) models.Bar {
	mid := (high + low) / 2
	return models.Bar{Time: t0.Add(time.Duration(i) * time.Minute), Open: mid, High: high, Low: low, Close: mid, Volume: 1}
}

func scenarioParams() Params {
	return Params{TPPct: 4, DevPct: 2, DevMult: 1, SOMult: 2, MaxSafetyOrders: 3}
}

func TestScenarioFirstSafetyOrderLowersAverage(t *testing.T) {
	d, err := Open(1, "BTCUSDT", models.Long, 100, 200, scenarioParams(), t0)
	if err != nil {
		t.Fatal(err)
	}
	level, ok := d.NextLevel()
	if !ok || !near(level.Price, 98) {
		t.Fatalf("first level=%+v", level)
	}
	if !near(d.TPPrice, 104) {
		t.Fatalf("initial tp=%v", d.TPPrice)
	}

	events := d.Evaluate(bar(1, 99.5, 97.9))
	if len(events) != 1 || events[0].Kind != EventSafetyFilled || events[0].Index != 1 {
		t.Fatalf("events=%+v", events)
	}
	avg := d.AvgEntry()
	if avg >= 100 {
		t.Fatalf("avg did not drop: %v", avg)
	}
	if !near(d.TPPrice, avg*1.04) {
		t.Fatalf("tp=%v want %v", d.TPPrice, avg*1.04)
	}
	if !near(avg, d.TotalInvested()/d.TotalQty()) {
		t.Fatalf("avg drifted from invested/qty")
	}
}

func TestLadderFillsInOrder(t *testing.T) {
	d, _ := Open(1, "X", models.Long, 100, 100, scenarioParams(), t0)
	prices := []float64{98, 96, 94}
	for i, l := range d.Ladder {
		if l.Index != i+1 || !near(l.Price, prices[i]) || !near(l.Size, 100*math.Pow(2, float64(i+1))) {
			t.Fatalf("level %d=%+v", i, l)
		}
	}

	events := d.Evaluate(bar(1, 100, 95))
	if len(events) != 2 {
		t.Fatalf("expected two fills, got %+v", events)
	}
	for i, o := range d.Safety {
		if o.Index != i+1 {
			t.Fatalf("fill %d has index %d", i, o.Index)
		}
	}

	err := d.ApplySafetyFill(Order{Index: 1, Price: 98, Qty: 1, Size: 98})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("refill of level 1: %v", err)
	}
	err = d.ApplySafetyFill(Order{Index: 3, Price: 94, Qty: 1, Size: 94})
	if err != nil {
		t.Fatalf("level 3: %v", err)
	}
	if _, ok := d.NextLevel(); ok {
		t.Fatal("ladder should be exhausted")
	}
}

func TestSkippingALevelIsRejected(t *testing.T) {
	d, _ := Open(1, "X", models.Long, 100, 100, scenarioParams(), t0)
	if err := d.ApplySafetyFill(Order{Index: 2, Price: 96, Qty: 1, Size: 96}); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("err=%v", err)
	}
	if d.FilledSafety() != 0 {
		t.Fatal("state mutated by rejected fill")
	}
}

func TestLongPnLWithFeesAndSlippage(t *testing.T) {
	p := scenarioParams()
	p.FeePct = 0.1
	p.SlippagePct = 0.05
	d, _ := Open(7, "X", models.Long, 100, 200, p, t0)
	if !near(d.Base.Price, 100.05) || !near(d.Base.Fee, 0.2) {
		t.Fatalf("base=%+v", d.Base)
	}
	d.Evaluate(bar(1, 99, 97.9))
	if err := d.ForceClose(110, t0.Add(time.Hour), ReasonForced); err != nil {
		t.Fatal(err)
	}
	c := d.Close
	if !near(c.Price, 110*(1-0.0005)) || !near(c.Qty, d.TotalQty()) {
		t.Fatalf("close=%+v", c)
	}
	want := (c.Qty*c.Price - c.Fee) - (d.TotalInvested() + d.EntryFees())
	if !near(d.RealizedPnL, want) {
		t.Fatalf("pnl=%v want %v", d.RealizedPnL, want)
	}
	if !near(d.TotalFees(), d.EntryFees()+c.Fee) {
		t.Fatal("total fees should include the close fee")
	}
}

func TestShortDealTakeProfit(t *testing.T) {
	p := scenarioParams()
	p.FeePct = 0.1
	d, err := Open(2, "X", models.Short, 100, 200, p, t0)
	if err != nil {
		t.Fatal(err)
	}
	if l, _ := d.NextLevel(); !near(l.Price, 102) {
		t.Fatalf("short ladder goes up: %+v", l)
	}
	if !near(d.TPPrice, 96) {
		t.Fatalf("tp=%v", d.TPPrice)
	}
	if ev := d.Evaluate(bar(1, 101, 97)); len(ev) != 0 {
		t.Fatalf("unexpected events %+v", ev)
	}
	ev := d.Evaluate(bar(2, 97, 95.5))
	if len(ev) != 1 || ev[0].Kind != EventClosed || ev[0].Reason != ReasonTakeProfit {
		t.Fatalf("events=%+v", ev)
	}
	c := d.Close
	want := (d.TotalInvested() - d.EntryFees()) - (c.Qty*c.Price + c.Fee)
	if !near(d.RealizedPnL, want) {
		t.Fatalf("pnl=%v want %v", d.RealizedPnL, want)
	}
	if d.RealizedPnL <= 0 {
		t.Fatalf("take profit lost money: %v", d.RealizedPnL)
	}
}

func TestTrailingTakeProfitRunsPastTarget(t *testing.T) {
	p := scenarioParams()
	p.TrailingPct = 1
	d, _ := Open(3, "X", models.Long, 100, 200, p, t0)

	ev := d.Evaluate(bar(1, 104.5, 103.5))
	if len(ev) != 1 || ev[0].Kind != EventTrailArmed || !d.IsOpen() {
		t.Fatalf("arming: %+v open=%v", ev, d.IsOpen())
	}
	if ev := d.Evaluate(bar(2, 106, 105)); len(ev) != 0 || !d.IsOpen() {
		t.Fatalf("should keep running: %+v", ev)
	}
	ev = d.Evaluate(bar(3, 105.5, 104))
	if len(ev) != 1 || ev[0].Reason != ReasonTrailing {
		t.Fatalf("trail exit: %+v", ev)
	}
	if !near(d.Close.Price, 106*0.99) {
		t.Fatalf("exit price=%v", d.Close.Price)
	}
}

func TestTrailingDisarmsOnSafetyFill(t *testing.T) {
	p := scenarioParams()
	p.TrailingPct = 3
	d, _ := Open(4, "X", models.Long, 100, 200, p, t0)
	d.Evaluate(bar(1, 104.2, 103))
	if !d.TrailArmed {
		t.Fatal("not armed")
	}
	d.Evaluate(bar(2, 100, 97.5))
	if d.TrailArmed || d.FilledSafety() != 1 || !d.IsOpen() {
		t.Fatalf("armed=%v filled=%d open=%v", d.TrailArmed, d.FilledSafety(), d.IsOpen())
	}
	d.Evaluate(bar(3, d.TPPrice+0.1, d.TPPrice-0.2))
	if !d.TrailArmed {
		t.Fatal("trail should re-arm on the new target")
	}
}

func TestCloseIsTerminal(t *testing.T) {
	d, _ := Open(5, "X", models.Long, 100, 200, scenarioParams(), t0)
	d.Evaluate(bar(1, 105, 103))
	if d.IsOpen() {
		t.Fatal("expected close")
	}
	pnl := d.RealizedPnL
	if ev := d.Evaluate(bar(2, 110, 90)); ev != nil {
		t.Fatalf("closed deal produced events %+v", ev)
	}
	if err := d.ApplySafetyFill(Order{Index: 1, Price: 98, Qty: 1, Size: 98}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v", err)
	}
	if err := d.ForceClose(50, t0, ReasonForced); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v", err)
	}
	if d.RealizedPnL != pnl {
		t.Fatal("pnl changed after close")
	}
}

func TestOpenRejectsBelowMinimum(t *testing.T) {
	p := scenarioParams()
	p.MinNotional = 10
	if _, err := Open(1, "X", models.Long, 100, 5, p, t0); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("err=%v", err)
	}
	p.MinNotional = 0
	p.MinQty = 1
	if _, err := Open(1, "X", models.Long, 100, 50, p, t0); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("min qty err=%v", err)
	}
}

func TestLadderStopsBelowMinimum(t *testing.T) {
	p := scenarioParams()
	p.SOMult = 0.5
	p.MinNotional = 30
	d, err := Open(1, "X", models.Long, 100, 100, p, t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Ladder) != 1 || !near(d.Ladder[0].Size, 50) {
		t.Fatalf("ladder=%+v", d.Ladder)
	}
}

func TestDeviationGrowsByMultiplier(t *testing.T) {
	if got := Deviation(3, 1, 1.2); !near(got, 1+1.2+1.44) {
		t.Fatalf("deviation=%v", got)
	}
	if got := Deviation(4, 2.5, 1); !near(got, 10) {
		t.Fatalf("linear deviation=%v", got)
	}
}

func TestRetuneMovesOnlyPendingLevels(t *testing.T) {
	d, _ := Open(1, "X", models.Long, 100, 100, scenarioParams(), t0)
	d.Evaluate(bar(1, 100, 97.9))
	if err := d.Retune(2, 3); err != nil {
		t.Fatal(err)
	}
	if !near(d.Safety[0].Price, 98) {
		t.Fatal("filled level moved")
	}
	if !near(d.Ladder[1].Price, 94) || !near(d.Ladder[2].Price, 91) {
		t.Fatalf("pending=%+v", d.Ladder[1:])
	}
	if !near(d.TPPrice, d.AvgEntry()*1.02) {
		t.Fatalf("tp=%v", d.TPPrice)
	}
}

func TestReconcileKeepsAverage(t *testing.T) {
	d, _ := Open(1, "X", models.Long, 100, 200, scenarioParams(), t0)
	d.Evaluate(bar(1, 100, 97.9))
	avg := d.AvgEntry()
	delta, err := d.Reconcile(d.TotalQty()*0.5, t0)
	if err != nil || delta >= 0 {
		t.Fatalf("delta=%v err=%v", delta, err)
	}
	if !near(d.AvgEntry(), avg) {
		t.Fatalf("avg moved %v -> %v", avg, d.AvgEntry())
	}
}

func TestRounding(t *testing.T) {
	if got := RoundDown(1.23456, 0.01); got != 1.23 {
		t.Fatalf("round down=%v", got)
	}
	if got := RoundNearest(1.235, 0.01); got != 1.24 {
		t.Fatalf("round nearest=%v", got)
	}
	if got := RoundDown(7.5, 0); got != 7.5 {
		t.Fatalf("zero step=%v", got)
	}
}

func TestTrailDoesNotClose(t *testing.T) {
	p := scenarioParams()
	p.TrailingPct = 1
	d, _ := Open(8, "X", models.Long, 100, 200, p, t0)
	armed, _, hit := d.Trail(bar(1, 104.5, 103.5))
	if !armed || hit {
		t.Fatalf("armed=%v hit=%v", armed, hit)
	}
	armed, stop, hit := d.Trail(bar(2, 105, 103))
	if armed || !hit || !near(stop, 105*0.99) {
		t.Fatalf("armed=%v hit=%v stop=%v", armed, hit, stop)
	}
	if !d.IsOpen() {
		t.Fatal("Trail must leave closing to the caller")
	}
}

func TestLimitLadderFitsBudget(t *testing.T) {
	d, _ := Open(9, "X", models.Long, 100, 100, scenarioParams(), t0)
	if n := d.LimitLadder(650); n != 2 {
		t.Fatalf("pending=%d ladder=%+v", n, d.Ladder)
	}
	if n := d.LimitLadder(0); n != 0 || len(d.Ladder) != 0 {
		t.Fatalf("pending=%d", n)
	}
}
