// Package deal is the per-direction position state machine: a base entry,
// a ladder of safety orders filled strictly in order, a fixed or trailing
// take-profit, and a terminal close with realized PnL.
package deal

import (
	"errors"
	"fmt"
	"time"

	"regimebot/internal/models"
)

var (
	ErrClosed       = errors.New("сделка уже закрыта")
	ErrBelowMinimum = errors.New("объём ниже минимума биржи")
	ErrOutOfOrder   = errors.New("страховочный ордер вне очереди")
	ErrInvalid      = errors.New("некорректные параметры сделки")
)

type Role string

const (
	RoleBase   Role = "BASE"
	RoleSafety Role = "SAFETY"
	RoleClose  Role = "CLOSE"
	RoleAdjust Role = "ADJUST"
)

type CloseReason string

const (
	ReasonTakeProfit CloseReason = "take_profit"
	ReasonTrailing   CloseReason = "trailing_tp"
	ReasonForced     CloseReason = "forced"
	ReasonReconciled CloseReason = "reconciled"
)

// Order is an immutable fill record.
type Order struct {
	Role  Role      `json:"role"`
	Index int       `json:"index"`
	Price float64   `json:"price"`
	Size  float64   `json:"size"`
	Qty   float64   `json:"qty"`
	Fee   float64   `json:"fee"`
	Time  time.Time `json:"time"`
}

// Level is a pending rung of the safety-order ladder.
type Level struct {
	Index int     `json:"index"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Params fixes the deal's ladder and exit. Percent fields are in percent
// units.
type Params struct {
	TPPct           float64 `json:"tp_pct"`
	TrailingPct     float64 `json:"trailing_pct"`
	DevPct          float64 `json:"dev_pct"`
	DevMult         float64 `json:"dev_mult"`
	SOMult          float64 `json:"so_mult"`
	MaxSafetyOrders int     `json:"max_safety_orders"`
	FeePct          float64 `json:"fee_pct"`
	SlippagePct     float64 `json:"slippage_pct"`
	MinNotional     float64 `json:"min_notional"`
	MinQty          float64 `json:"min_qty"`
}

func (p Params) Validate() error {
	switch {
	case p.TPPct <= 0:
		return fmt.Errorf("%w: tp_pct=%v", ErrInvalid, p.TPPct)
	case p.TrailingPct < 0:
		return fmt.Errorf("%w: trailing_pct=%v", ErrInvalid, p.TrailingPct)
	case p.MaxSafetyOrders > 0 && (p.DevPct <= 0 || p.DevMult <= 0 || p.SOMult <= 0):
		return fmt.Errorf("%w: лестница dev=%v dev_mult=%v so_mult=%v", ErrInvalid, p.DevPct, p.DevMult, p.SOMult)
	case p.FeePct < 0 || p.SlippagePct < 0:
		return fmt.Errorf("%w: fee=%v slippage=%v", ErrInvalid, p.FeePct, p.SlippagePct)
	}
	return nil
}

func (p Params) meetsMinimum(size, price float64) bool {
	if size < p.MinNotional {
		return false
	}
	if p.MinQty > 0 && price > 0 && size/price < p.MinQty {
		return false
	}
	return true
}

type Deal struct {
	ID          int              `json:"id"`
	Symbol      string           `json:"symbol"`
	Direction   models.Direction `json:"direction"`
	Params      Params           `json:"params"`
	Base        Order            `json:"base"`
	Safety      []Order          `json:"safety"`
	Adjustments []Order          `json:"adjustments,omitempty"`
	Ladder      []Level          `json:"ladder"`
	TPPrice     float64          `json:"tp_price"`
	TrailArmed  bool             `json:"trail_armed"`
	TrailPeak   float64          `json:"trail_peak"`
	Close       *Order           `json:"close,omitempty"`
	Reason      CloseReason      `json:"reason,omitempty"`
	RealizedPnL float64          `json:"realized_pnl"`
	OpenedAt    time.Time        `json:"opened_at"`
	ClosedAt    time.Time        `json:"closed_at"`
}

// Open sizes and simulates the base fill at refPrice, then builds the
// ladder and the take-profit.
func Open(id int, symbol string, dir models.Direction, refPrice, baseSize float64, p Params, at time.Time) (*Deal, error) {
	if !dir.Valid() || refPrice <= 0 {
		return nil, fmt.Errorf("%w: direction=%q price=%v", ErrInvalid, dir, refPrice)
	}
	if !p.meetsMinimum(baseSize, refPrice) {
		return nil, fmt.Errorf("%w: size=%.4f min_notional=%.4f", ErrBelowMinimum, baseSize, p.MinNotional)
	}
	base := p.simulateFill(RoleBase, 0, refPrice, baseSize, dir.EntrySide(), at)
	return OpenFilled(id, symbol, dir, base, p)
}

// OpenFilled starts a deal from an already confirmed base fill.
func OpenFilled(id int, symbol string, dir models.Direction, base Order, p Params) (*Deal, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if base.Price <= 0 || base.Qty <= 0 {
		return nil, fmt.Errorf("%w: base fill %+v", ErrInvalid, base)
	}
	base.Role = RoleBase
	base.Index = 0
	d := &Deal{
		ID:        id,
		Symbol:    symbol,
		Direction: dir,
		Params:    p,
		Base:      base,
		OpenedAt:  base.Time,
	}
	d.Ladder = CalcSafetyOrders(base.Price, base.Size, p, dir)
	d.TPPrice = CalcTPPrice(d.AvgEntry(), p.TPPct, dir)
	return d, nil
}

func (d *Deal) IsOpen() bool {
	return d.Close == nil
}

func (d *Deal) entries() []Order {
	out := make([]Order, 0, 1+len(d.Safety)+len(d.Adjustments))
	out = append(out, d.Base)
	out = append(out, d.Safety...)
	return append(out, d.Adjustments...)
}

func (d *Deal) TotalInvested() float64 {
	total := 0.0
	for _, o := range d.entries() {
		total += o.Size
	}
	return total
}

func (d *Deal) TotalQty() float64 {
	total := 0.0
	for _, o := range d.entries() {
		total += o.Qty
	}
	return total
}

// EntryFees excludes the close fee.
func (d *Deal) EntryFees() float64 {
	total := 0.0
	for _, o := range d.entries() {
		total += o.Fee
	}
	return total
}

func (d *Deal) TotalFees() float64 {
	fees := d.EntryFees()
	if d.Close != nil {
		fees += d.Close.Fee
	}
	return fees
}

func (d *Deal) AvgEntry() float64 {
	return CalcAvgPrice(d.TotalInvested(), d.TotalQty())
}

// Committed is the cash that left the account to hold the position.
func (d *Deal) Committed() float64 {
	return d.TotalInvested() + d.EntryFees()
}

func (d *Deal) FilledSafety() int {
	return len(d.Safety)
}

// NextLevel is the first unfilled ladder rung.
func (d *Deal) NextLevel() (Level, bool) {
	n := len(d.Safety)
	if n >= len(d.Ladder) {
		return Level{}, false
	}
	return d.Ladder[n], true
}

func (d *Deal) PendingLevels() []Level {
	n := len(d.Safety)
	if n >= len(d.Ladder) {
		return nil
	}
	return append([]Level(nil), d.Ladder[n:]...)
}

// UnrealizedPnL marks the position at price without a close fee.
func (d *Deal) UnrealizedPnL(price float64) float64 {
	if d.Close != nil {
		return d.RealizedPnL
	}
	value := d.TotalQty() * price
	if d.Direction == models.Short {
		return d.TotalInvested() - d.EntryFees() - value
	}
	return value - d.TotalInvested() - d.EntryFees()
}

// Value is what the deal is worth to the account at price.
func (d *Deal) Value(price float64) float64 {
	return d.Committed() + d.UnrealizedPnL(price)
}

// ApplySafetyFill records a confirmed fill for ladder level o.Index. Levels
// fill strictly in order.
func (d *Deal) ApplySafetyFill(o Order) error {
	if !d.IsOpen() {
		return ErrClosed
	}
	next, ok := d.NextLevel()
	if !ok || o.Index != next.Index {
		return fmt.Errorf("%w: получен #%d, ожидается #%d", ErrOutOfOrder, o.Index, len(d.Safety)+1)
	}
	if o.Qty <= 0 || o.Price <= 0 {
		return fmt.Errorf("%w: fill %+v", ErrInvalid, o)
	}
	o.Role = RoleSafety
	d.Safety = append(d.Safety, o)
	d.TPPrice = CalcTPPrice(d.AvgEntry(), d.Params.TPPct, d.Direction)
	d.TrailArmed = false
	d.TrailPeak = 0
	return nil
}

// ApplyClose fixes the realized PnL. It is terminal.
func (d *Deal) ApplyClose(o Order, reason CloseReason) error {
	if !d.IsOpen() {
		return ErrClosed
	}
	o.Role = RoleClose
	o.Index = 0
	d.Close = &o
	d.Reason = reason
	d.ClosedAt = o.Time
	exit := o.Qty * o.Price
	if d.Direction == models.Short {
		d.RealizedPnL = (d.TotalInvested() - d.EntryFees()) - (exit + o.Fee)
	} else {
		d.RealizedPnL = (exit - o.Fee) - (d.TotalInvested() + d.EntryFees())
	}
	return nil
}

// ForceClose exits the whole position at price with slippage and fees.
func (d *Deal) ForceClose(price float64, at time.Time, reason CloseReason) error {
	if !d.IsOpen() {
		return ErrClosed
	}
	return d.ApplyClose(d.closeFill(price, at), reason)
}

// Retune moves the take-profit and re-spaces unfilled ladder levels from
// the base fill with new percentages. Filled levels are untouched.
func (d *Deal) Retune(tpPct, devPct float64) error {
	if !d.IsOpen() {
		return ErrClosed
	}
	if tpPct <= 0 || devPct <= 0 {
		return fmt.Errorf("%w: tp=%v dev=%v", ErrInvalid, tpPct, devPct)
	}
	d.Params.TPPct = tpPct
	d.Params.DevPct = devPct
	filled := len(d.Safety)
	for i := filled; i < len(d.Ladder); i++ {
		n := d.Ladder[i].Index
		d.Ladder[i].Price = LevelPrice(d.Base.Price, n, devPct, d.Params.DevMult, d.Direction)
	}
	d.TPPrice = CalcTPPrice(d.AvgEntry(), tpPct, d.Direction)
	return nil
}

// LimitLadder drops pending levels that budget cannot pay for, fees
// included, and returns how many levels remain pending.
func (d *Deal) LimitLadder(budget float64) int {
	filled := len(d.Safety)
	spent := 0.0
	keep := filled
	for i := filled; i < len(d.Ladder); i++ {
		cost := d.Ladder[i].Size * (1 + d.Params.FeePct/100)
		if spent+cost > budget {
			break
		}
		spent += cost
		keep = i + 1
	}
	d.Ladder = d.Ladder[:keep]
	return keep - filled
}

// Reconcile aligns the tracked quantity with qty observed on the exchange.
// The adjustment is booked at the current average entry, so the average
// itself is preserved.
func (d *Deal) Reconcile(qty float64, at time.Time) (float64, error) {
	if !d.IsOpen() {
		return 0, ErrClosed
	}
	delta := qty - d.TotalQty()
	if delta == 0 {
		return 0, nil
	}
	avg := d.AvgEntry()
	d.Adjustments = append(d.Adjustments, Order{
		Role:  RoleAdjust,
		Index: len(d.Adjustments) + 1,
		Price: avg,
		Size:  delta * avg,
		Qty:   delta,
		Time:  at,
	})
	return delta, nil
}

func (p Params) simulateFill(role Role, index int, price, size float64, side models.OrderSide, at time.Time) Order {
	fill := slip(price, p.SlippagePct, side)
	return Order{
		Role:  role,
		Index: index,
		Price: fill,
		Size:  size,
		Qty:   size / fill,
		Fee:   size * p.FeePct / 100,
		Time:  at,
	}
}

func (d *Deal) closeFill(price float64, at time.Time) Order {
	qty := d.TotalQty()
	fill := slip(price, d.Params.SlippagePct, d.Direction.ExitSide())
	notional := qty * fill
	return Order{
		Role:  RoleClose,
		Price: fill,
		Size:  notional,
		Qty:   qty,
		Fee:   notional * d.Params.FeePct / 100,
		Time:  at,
	}
}

func slip(price, pct float64, side models.OrderSide) float64 {
	if side == models.OrderSideBuy {
		return price * (1 + pct/100)
	}
	return price * (1 - pct/100)
}
