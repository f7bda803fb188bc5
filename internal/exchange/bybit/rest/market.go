package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"regimebot/internal/exchange"
	"regimebot/internal/models"
)

const maxKlineLimit = 1000

var intervals = map[models.Timeframe]string{
	models.Timeframe1m:  "1",
	models.Timeframe5m:  "5",
	models.Timeframe15m: "15",
	models.Timeframe1h:  "60",
	models.Timeframe4h:  "240",
	models.Timeframe1d:  "D",
}

func Interval(tf models.Timeframe) (string, error) {
	iv, ok := intervals[tf]
	if !ok {
		return "", fmt.Errorf("Неподдерживаемый таймфрейм: %s", tf)
	}
	return iv, nil
}

func (c *Client) GetInstrumentRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	var resp bybitResponse[instrumentInfo]
	if err := c.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", params, nil, false, &resp); err != nil {
		return exchange.InstrumentRules{}, err
	}

	if len(resp.Result.List) == 0 {
		return exchange.InstrumentRules{}, fmt.Errorf("Торговая пара не найдена: %s", symbol)
	}
	info := resp.Result.List[0]

	tick, err := strconv.ParseFloat(info.PriceFilter.TickSize, 64)
	if err != nil {
		return exchange.InstrumentRules{}, fmt.Errorf("Некорректное значение tickSize=%q: %w", info.PriceFilter.TickSize, err)
	}
	lot, err := parseFloatOrZero(info.LotSizeFilter.QtyStep)
	if err != nil {
		return exchange.InstrumentRules{}, fmt.Errorf("Некорректное значение qtyStep=%q: %w", info.LotSizeFilter.QtyStep, err)
	}
	if lot == 0 {
		return exchange.InstrumentRules{}, fmt.Errorf("Не удалось определить lot size для торговой пары: %s", symbol)
	}
	minQty, err := parseFloatOrZero(info.LotSizeFilter.MinOrderQty)
	if err != nil {
		return exchange.InstrumentRules{}, fmt.Errorf("Некорректное значение minOrderQty=%q: %w", info.LotSizeFilter.MinOrderQty, err)
	}
	minNotional, err := parseFloatOrZero(info.LotSizeFilter.MinNotionalValue)
	if err != nil {
		return exchange.InstrumentRules{}, fmt.Errorf("Некорректное значение minNotionalValue=%q: %w", info.LotSizeFilter.MinNotionalValue, err)
	}

	return exchange.InstrumentRules{
		TickSize:    tick,
		LotSize:     lot,
		MinQty:      minQty,
		MinNotional: minNotional,
		BaseCoin:    info.BaseCoin,
		QuoteCoin:   info.QuoteCoin,
	}, nil
}

// GetBars returns the last limit klines oldest first. Bybit lists them
// newest first and includes the still-open bar.
func (c *Client) GetBars(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Bar, error) {
	iv, err := Interval(tf)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	params.Set("interval", iv)
	params.Set("limit", strconv.Itoa(limit))

	var resp bybitResponse[klineList]
	if err := c.doRequest(ctx, http.MethodGet, "/v5/market/kline", params, nil, false, &resp); err != nil {
		return nil, err
	}

	bars := make([]models.Bar, 0, len(resp.Result.List))
	for _, row := range resp.Result.List {
		bar, err := parseKline(row)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return models.DedupBars(bars), nil
}

func parseKline(row []string) (models.Bar, error) {
	if len(row) < 6 {
		return models.Bar{}, fmt.Errorf("Некорректная свеча: %v", row)
	}
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("Некорректное время свечи %q: %w", row[0], err)
	}
	var vals [5]float64
	for i := range vals {
		v, err := strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return models.Bar{}, fmt.Errorf("Некорректное значение свечи %q: %w", row[i+1], err)
		}
		vals[i] = v
	}
	return models.Bar{
		Time:   time.UnixMilli(ms).UTC(),
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}
