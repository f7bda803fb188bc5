package exchange

import (
	"context"

	"regimebot/internal/models"
)

type EventType string

const (
	EventTypeKline     EventType = "Kline"
	EventTypeReconnect EventType = "Reconnect"
)

// Event is pushed by a stream. Confirmed klines mark a closed bar.
type Event struct {
	Type      EventType
	Symbol    string
	Bar       *models.Bar
	Confirmed bool
}

type InstrumentRules struct {
	TickSize    float64
	LotSize     float64
	MinQty      float64
	MinNotional float64
	BaseCoin    string
	QuoteCoin   string
}

type Balance struct {
	Coin      string
	Wallet    float64
	Available float64
}

// Position is the exchange view of one side of a hedged position.
type Position struct {
	Symbol    string
	Direction models.Direction
	Qty       float64
	AvgPrice  float64
	Leverage  float64
}

// MarketData returns bars oldest first, deduplicated by open time.
type MarketData interface {
	GetBars(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Bar, error)
}

// Gateway is the order side of an exchange. Any error is an unknown
// outcome: callers re-query instead of assuming nothing happened.
type Gateway interface {
	GetInstrumentRules(ctx context.Context, symbol string) (InstrumentRules, error)
	PlaceOrder(ctx context.Context, order models.Order) (models.Order, error)
	QueryOrder(ctx context.Context, symbol, orderID string) (models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetBalance(ctx context.Context, coin string) (Balance, error)
	GetPosition(ctx context.Context, symbol string, dir models.Direction) (Position, error)
}

type Streamer interface {
	SubscribeKlines(ctx context.Context, symbol string, tf models.Timeframe) (<-chan Event, error)
}
