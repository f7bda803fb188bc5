package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"regimebot/internal/exchange"
)

var ErrInsufficientMargin = errors.New("недостаточно маржи")

// marginCache holds the last balance read. Reads within the TTL reuse it;
// commitments always refresh first.
type marginCache struct {
	available float64
	fetched   time.Time
}

func (e *Engine) availableMargin(ctx context.Context, force bool) (float64, error) {
	fresh := !e.margin.fetched.IsZero() && e.now().Sub(e.margin.fetched) < e.cfg.MarginTTL
	if !force && fresh {
		return e.margin.available, nil
	}
	bal, err := withRetry(ctx, e, "balance", func() (exchange.Balance, error) {
		return e.gateway.GetBalance(ctx, e.cfg.QuoteCoin)
	})
	if err != nil {
		return 0, err
	}
	e.margin = marginCache{available: bal.Available, fetched: e.now()}
	return bal.Available, nil
}

// reserveMargin checks that notional fits into available margin after the
// profile's reserve and the safety buffer, then books it in the cache.
func (e *Engine) reserveMargin(ctx context.Context, notional float64, force bool) error {
	avail, err := e.availableMargin(ctx, force)
	if err != nil {
		return err
	}
	lev := math.Max(e.cfg.Profile.Leverage, 1)
	margin := notional / lev
	required := margin * e.cfg.MarginBuffer
	reserve := e.st.Capital * e.cfg.Profile.MarginReserve
	if avail-reserve < required {
		return fmt.Errorf("%w: нужно %.2f, доступно %.2f, резерв %.2f", ErrInsufficientMargin, required, avail, reserve)
	}
	e.margin.available -= margin
	return nil
}

func (m *marginCache) invalidate() {
	m.fetched = time.Time{}
}
