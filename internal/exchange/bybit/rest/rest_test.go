package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"regimebot/internal/logger"
	"regimebot/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(server.URL, "key", "secret", "UNIFIED", logger.New(logger.Config{Level: "error"}))
}

func TestGetBarsOldestFirst(t *testing.T) {
	const body = `{"retCode":0,"retMsg":"OK","result":{"symbol":"BTCUSDT","list":[
		["1700000120000","102","103","101","102.5","10"],
		["1700000060000","101","102","100","102","12"],
		["1700000060000","101","102","100","102","12"],
		["1700000000000","100","101","99","101","9"]]}}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/kline" || r.URL.Query().Get("interval") != "15" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(body))
	})

	bars, err := c.GetBars(context.Background(), "BTCUSDT", models.Timeframe15m, 3)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("expected 3 bars after dedup, got %d", len(bars))
	}
	if bars[0].Close != 101 || bars[2].Close != 102.5 {
		t.Fatalf("bars not oldest first: %+v", bars)
	}
}

func TestQueryOrderFallsBackToHistory(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.Header.Get("X-BAPI-SIGN") == "" {
			t.Errorf("unsigned private request")
		}
		if r.URL.Path == "/v5/order/realtime" {
			_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
			return
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"orderId":"42","orderLinkId":"d1-so-1","symbol":"BTCUSDT","side":"Buy","orderType":"Limit","price":"98","qty":"0.5","cumExecQty":"0.5","avgPrice":"98","orderStatus":"Filled","positionIdx":1}]}}`))
	})

	order, err := c.QueryOrder(context.Background(), "BTCUSDT", "42")
	if err != nil {
		t.Fatalf("QueryOrder: %v", err)
	}
	if !order.IsFilled() || order.AvgPrice != 98 || order.Direction != models.Long {
		t.Fatalf("unexpected order %+v", order)
	}
	if len(paths) != 2 {
		t.Fatalf("expected realtime then history, got %v", paths)
	}
}

func TestQueryOrderNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
	})
	_, err := c.QueryOrder(context.Background(), "BTCUSDT", "missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestAPIErrorCarriesCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"retCode":10006,"retMsg":"Too many visits!","result":{}}`))
	})
	_, err := c.PlaceOrder(context.Background(), models.Order{Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Qty: 1})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 10006 {
		t.Fatalf("expected APIError 10006, got %v", err)
	}
}

func TestFormatWithStep(t *testing.T) {
	cases := []struct {
		value, step float64
		want        string
	}{
		{1.23456, 0.01, "1.23"},
		{0.0019, 0.001, "0.001"},
		{105.7, 0.5, "105.5"},
		{7, 1, "7"},
		{3.14159, 0, "3.14159"},
	}
	for _, tc := range cases {
		if got := formatWithStep(tc.value, tc.step); got != tc.want {
			t.Errorf("formatWithStep(%v, %v) = %q, want %q", tc.value, tc.step, got, tc.want)
		}
	}
}

func TestPositionIdx(t *testing.T) {
	if positionIdx(models.Long) != 1 || positionIdx(models.Short) != 2 {
		t.Fatal("hedge mode indices")
	}
	if directionFromIdx(2) != models.Short {
		t.Fatal("reverse mapping")
	}
}
