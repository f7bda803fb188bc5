package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"regimebot/internal/deal"
	"regimebot/internal/exchange"
	"regimebot/internal/models"
	"regimebot/internal/notify"
)

var ErrFillUnconfirmed = errors.New("исполнение ордера не подтверждено")

// reconcileTolerance is the relative quantity gap that triggers an
// adjustment.
const reconcileTolerance = 0.01

func (e *Engine) loadRules(ctx context.Context) error {
	rules, err := withRetry(ctx, e, "instrument", func() (exchange.InstrumentRules, error) {
		return e.gateway.GetInstrumentRules(ctx, e.cfg.Symbol)
	})
	if err != nil {
		return err
	}
	e.rules = rules
	e.logEntry().WithFields(map[string]interface{}{
		"tick":         rules.TickSize,
		"lot":          rules.LotSize,
		"min_qty":      rules.MinQty,
		"min_notional": rules.MinNotional,
	}).Info("Получены ограничения торговой пары.")
	return nil
}

func (e *Engine) order(d models.Direction, side models.OrderSide, typ models.OrderType, kind models.OrderKind, price, qty float64) models.Order {
	return models.Order{
		Symbol:    e.cfg.Symbol,
		Side:      side,
		Type:      typ,
		Kind:      kind,
		Direction: d,
		Price:     price,
		Qty:       qty,
		PriceStep: e.rules.TickSize,
		QtyStep:   e.rules.LotSize,
	}
}

func (e *Engine) place(ctx context.Context, o models.Order) (models.Order, error) {
	e.logEntry().WithFields(map[string]interface{}{
		"link_id":   o.LinkID,
		"kind":      o.Kind,
		"direction": o.Direction,
		"side":      o.Side,
		"type":      o.Type,
		"price":     o.Price,
		"qty":       o.Qty,
	}).Info("Попытка ордера.")
	return withRetry(ctx, e, "place", func() (models.Order, error) {
		return e.gateway.PlaceOrder(ctx, o)
	})
}

func (e *Engine) query(ctx context.Context, id string) (models.Order, error) {
	return withRetry(ctx, e, "query", func() (models.Order, error) {
		return e.gateway.QueryOrder(ctx, e.cfg.Symbol, id)
	})
}

func (e *Engine) cancel(ctx context.Context, id string) error {
	return e.withRetryVoid(ctx, "cancel", func() error {
		return e.gateway.CancelOrder(ctx, e.cfg.Symbol, id)
	})
}

// awaitFill polls a market order until it is filled. A partial fill left
// after the last poll is cancelled and accepted as is.
func (e *Engine) awaitFill(ctx context.Context, o models.Order) (models.Order, error) {
	var last models.Order
	for i := 0; i < e.cfg.FillPolls; i++ {
		got, err := e.gateway.QueryOrder(ctx, e.cfg.Symbol, o.ID)
		if err == nil {
			last = got
			if got.IsFilled() {
				return got, nil
			}
			if got.IsCanceled() && got.FilledQty <= 0 {
				return got, fmt.Errorf("%w: ордер %s отменён", ErrFillUnconfirmed, o.ID)
			}
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(e.cfg.FillPollDelay):
		}
	}
	if last.FilledQty > 0 {
		if err := e.cancel(ctx, o.ID); err != nil {
			e.logEntry().WithError(err).WithField("order_id", o.ID).Warn("Не удалось отменить остаток ордера.")
		}
		return last, nil
	}
	_ = e.cancel(ctx, o.ID)
	return last, fmt.Errorf("%w: ордер %s после %d проверок", ErrFillUnconfirmed, o.ID, e.cfg.FillPolls)
}

func (e *Engine) fillOrder(got models.Order, index int, at time.Time) deal.Order {
	size := got.AvgPrice * got.FilledQty
	return deal.Order{
		Index: index,
		Price: got.AvgPrice,
		Qty:   got.FilledQty,
		Size:  size,
		Fee:   size * e.cfg.FeePct / 100,
		Time:  at,
	}
}

func (e *Engine) openLive(ctx context.Context, dir models.Direction, size, budget float64, p deal.Params, price float64, at time.Time) error {
	qty := deal.RoundDown(size/price, e.rules.LotSize)
	if qty <= 0 || qty < e.rules.MinQty || qty*price < e.rules.MinNotional {
		return fmt.Errorf("%w: qty=%v notional=%.4f", deal.ErrBelowMinimum, qty, qty*price)
	}
	if err := e.reserveMargin(ctx, qty*price, true); err != nil {
		if !errors.Is(err, ErrInsufficientMargin) {
			e.recordError(ctx, "balance", err)
		}
		return err
	}

	e.st.DealSeq++
	id := e.st.DealSeq
	o := e.order(dir, dir.EntrySide(), models.OrderTypeMarket, models.OrderKindEntry, 0, qty)
	o.LinkID = e.linkID(id, "base")
	placed, err := e.place(ctx, o)
	if err != nil {
		e.st.DealSeq--
		e.recordError(ctx, "entry", err)
		return err
	}
	got, err := e.awaitFill(ctx, placed)
	if err != nil {
		e.st.DealSeq--
		e.recordError(ctx, "entry", err)
		return err
	}

	d, err := deal.OpenFilled(id, e.cfg.Symbol, dir, e.fillOrder(got, 0, at), p)
	if err != nil {
		e.st.DealSeq--
		return err
	}
	d.LimitLadder(budget - d.Committed())
	e.st.Cash -= d.Committed()
	e.st.Open[dir] = d
	e.onOpened(d, e.st.Reading)
	e.checkpoint(ctx, "opened")

	if err := e.placeExits(ctx, d); err != nil {
		e.recordError(ctx, "exits", err)
	}
	return nil
}

// placeExits rests the ladder and then the take-profit. If the take-profit
// is rejected the whole ladder is cancelled to release margin and the
// take-profit is tried once more.
func (e *Engine) placeExits(ctx context.Context, d *deal.Deal) error {
	lo := e.st.liveOrders(d.ID)
	var ladderErr error
	if !lo.LadderCut {
		ladderErr = e.placeLadder(ctx, d)
	}
	if err := e.placeTP(ctx, d); err != nil {
		e.logEntry().WithError(err).WithField("deal_id", d.ID).Warn("Тейк-профит отклонён, снимаем страховочные ордера.")
		e.cutLadder(ctx, d)
		if err := e.placeTP(ctx, d); err != nil {
			e.alertTP(d, err)
			return errors.Join(ladderErr, err)
		}
	}
	return ladderErr
}

// cutLadder cancels every resting safety order of d. An order whose cancel
// failed stays tracked so its fill is still picked up.
func (e *Engine) cutLadder(ctx context.Context, d *deal.Deal) {
	lo := e.st.liveOrders(d.ID)
	lo.LadderCut = true
	cancelled := 0
	for idx, o := range lo.Safety {
		if err := e.cancel(ctx, o.ID); err != nil {
			e.logEntry().WithError(err).WithField("order_id", o.ID).Warn("Не удалось отменить страховочный ордер.")
			continue
		}
		delete(lo.Safety, idx)
		cancelled++
	}
	e.margin.invalidate()
	e.logEntry().WithFields(map[string]interface{}{
		"deal_id":   d.ID,
		"cancelled": cancelled,
		"left":      len(lo.Safety),
	}).Warn("Страховочные ордера сняты ради тейк-профита.")
}

func (e *Engine) alertTP(d *deal.Deal, err error) {
	e.send(notify.KindAlert, "Тейк-профит не выставлен",
		fmt.Sprintf("%s: сделка %d %s без тейк-профита: %v", e.cfg.Symbol, d.ID, d.Direction, err),
		map[string]interface{}{"deal_id": d.ID, "tp_price": d.TPPrice})
}

// placeTP rests a reduce-only limit at the take-profit. Trailing exits are
// watched locally instead.
func (e *Engine) placeTP(ctx context.Context, d *deal.Deal) error {
	if d.Params.TrailingPct > 0 {
		return nil
	}
	lo := e.st.liveOrders(d.ID)
	if lo.TP != nil {
		return nil
	}
	qty := deal.RoundDown(d.TotalQty(), e.rules.LotSize)
	price := deal.RoundNearest(d.TPPrice, e.rules.TickSize)
	o := e.order(d.Direction, d.Direction.ExitSide(), models.OrderTypeLimit, models.OrderKindTP, price, qty)
	o.ReduceOnly = true
	o.LinkID = e.linkID(d.ID, "tp")
	placed, err := e.place(ctx, o)
	if err != nil {
		return err
	}
	lo.TP = &placed
	return nil
}

// placeLadder rests every pending level that is not on the book yet. The
// first commitment refreshes the margin cache.
func (e *Engine) placeLadder(ctx context.Context, d *deal.Deal) error {
	lo := e.st.liveOrders(d.ID)
	force := true
	for _, lv := range d.PendingLevels() {
		if _, ok := lo.Safety[lv.Index]; ok {
			continue
		}
		price := deal.RoundNearest(lv.Price, e.rules.TickSize)
		qty := deal.RoundDown(lv.Size/lv.Price, e.rules.LotSize)
		if qty <= 0 || price <= 0 {
			break
		}
		if err := e.reserveMargin(ctx, qty*price, force); err != nil {
			if errors.Is(err, ErrInsufficientMargin) {
				e.logEntry().WithError(err).WithField("level", lv.Index).Warn("Лестница урезана по марже.")
				return nil
			}
			return err
		}
		force = false

		o := e.order(d.Direction, d.Direction.EntrySide(), models.OrderTypeLimit, models.OrderKindSafety, price, qty)
		o.LinkID = e.linkID(d.ID, fmt.Sprintf("so%d", lv.Index))
		placed, err := e.place(ctx, o)
		if err != nil {
			return err
		}
		lo.Safety[lv.Index] = placed
	}
	return nil
}

func (e *Engine) cancelAll(ctx context.Context, d *deal.Deal) {
	lo, ok := e.st.Orders[d.ID]
	if !ok {
		return
	}
	for idx, o := range lo.Safety {
		if err := e.cancel(ctx, o.ID); err != nil {
			e.logEntry().WithError(err).WithField("order_id", o.ID).Warn("Не удалось отменить страховочный ордер.")
		}
		delete(lo.Safety, idx)
	}
	if lo.TP != nil {
		if err := e.cancel(ctx, lo.TP.ID); err != nil {
			e.logEntry().WithError(err).WithField("order_id", lo.TP.ID).Warn("Не удалось отменить тейк-профит.")
		}
		lo.TP = nil
	}
}

// replaceOrders puts a fresh ladder and take-profit on the book, including
// a ladder that was earlier cut for the take-profit.
func (e *Engine) replaceOrders(ctx context.Context, d *deal.Deal) error {
	e.cancelAll(ctx, d)
	e.st.liveOrders(d.ID).LadderCut = false
	return e.placeExits(ctx, d)
}

// syncLive applies confirmed exchange fills to d: ladder levels in order,
// then the take-profit.
func (e *Engine) syncLive(ctx context.Context, d *deal.Deal, bar models.Bar, at time.Time) {
	lo := e.st.liveOrders(d.ID)
	averaged := false
	for {
		lv, ok := d.NextLevel()
		if !ok {
			break
		}
		o, ok := lo.Safety[lv.Index]
		if !ok {
			break
		}
		got, err := e.query(ctx, o.ID)
		if err != nil {
			e.recordError(ctx, "sync", err)
			return
		}
		if got.IsCanceled() && got.FilledQty <= 0 {
			delete(lo.Safety, lv.Index)
			break
		}
		if !got.IsFilled() {
			break
		}
		fill := e.fillOrder(got, lv.Index, at)
		if err := d.ApplySafetyFill(fill); err != nil {
			e.logEntry().WithError(err).WithField("deal_id", d.ID).Error("Исполнение не применено.")
			break
		}
		delete(lo.Safety, lv.Index)
		e.st.Cash -= fill.Size + fill.Fee
		e.onSafetyFilled(d, fill)
		averaged = true
	}
	if averaged {
		e.checkpoint(ctx, "safety_filled")
	}

	if d.Params.TrailingPct > 0 {
		if _, _, hit := d.Trail(bar); hit {
			_ = e.closeLive(ctx, d, deal.ReasonTrailing, at)
		}
		return
	}

	if lo.TP != nil {
		got, err := e.query(ctx, lo.TP.ID)
		if err != nil {
			e.recordError(ctx, "sync", err)
			return
		}
		if got.IsFilled() {
			lo.TP = nil
			e.cancelAll(ctx, d)
			_ = d.ApplyClose(e.fillOrder(got, 0, at), deal.ReasonTakeProfit)
			return
		}
		if got.IsCanceled() {
			lo.TP = nil
		} else if averaged {
			if err := e.cancel(ctx, lo.TP.ID); err != nil {
				e.recordError(ctx, "sync", err)
				return
			}
			lo.TP = nil
		}
	}
	if err := e.placeExits(ctx, d); err != nil {
		e.recordError(ctx, "sync", err)
	}
}

// closeLive exits the whole position with a reduce-only market order.
func (e *Engine) closeLive(ctx context.Context, d *deal.Deal, reason deal.CloseReason, at time.Time) error {
	e.cancelAll(ctx, d)
	qty := deal.RoundDown(d.TotalQty(), e.rules.LotSize)
	o := e.order(d.Direction, d.Direction.ExitSide(), models.OrderTypeMarket, models.OrderKindClose, 0, qty)
	o.ReduceOnly = true
	o.LinkID = e.linkID(d.ID, "close")
	placed, err := e.place(ctx, o)
	if err != nil {
		e.recordError(ctx, "close", err)
		return err
	}
	got, err := e.awaitFill(ctx, placed)
	if err != nil {
		e.recordError(ctx, "close", err)
		return err
	}
	return d.ApplyClose(e.fillOrder(got, 0, at), reason)
}

// reconcile compares tracked quantities with exchange positions. A missing
// position clears the deal; a gap above tolerance is booked as an
// adjustment.
func (e *Engine) reconcile(ctx context.Context, price float64, at time.Time) {
	dust := e.rules.LotSize / 2
	for _, dir := range directions {
		d := e.st.Open[dir]
		if d == nil {
			continue
		}
		pos, err := withRetry(ctx, e, "position", func() (exchange.Position, error) {
			return e.gateway.GetPosition(ctx, e.cfg.Symbol, dir)
		})
		if err != nil {
			e.recordError(ctx, "reconcile", err)
			continue
		}
		tracked := d.TotalQty()
		fields := map[string]interface{}{
			"deal_id":   d.ID,
			"direction": dir,
			"tracked":   tracked,
			"exchange":  pos.Qty,
		}

		if pos.Qty <= dust {
			e.cancelAll(ctx, d)
			_ = d.ForceClose(price, at, deal.ReasonReconciled)
			e.logEntry().WithFields(fields).Warn("Позиция на бирже отсутствует, сделка снята.")
			e.send(notify.KindReconciliation, "Сверка позиции",
				fmt.Sprintf("%s %s #%d: позиции нет на бирже", e.cfg.Symbol, dir, d.ID), fields)
			e.finish(d)
			e.checkpoint(ctx, "reconciled")
			continue
		}
		if tracked > 0 && math.Abs(pos.Qty-tracked)/tracked <= reconcileTolerance {
			continue
		}

		avg := d.AvgEntry()
		delta, err := d.Reconcile(pos.Qty, at)
		if err != nil {
			continue
		}
		e.st.Cash -= delta * avg
		e.checkpoint(ctx, "reconciled")
		e.logEntry().WithFields(fields).Warn("Объём позиции скорректирован по бирже.")
		e.send(notify.KindReconciliation, "Сверка позиции",
			fmt.Sprintf("%s %s #%d: %.6g → %.6g", e.cfg.Symbol, dir, d.ID, tracked, pos.Qty), fields)
		if err := e.replaceOrders(ctx, d); err != nil {
			e.recordError(ctx, "reconcile", err)
		}
	}
}
