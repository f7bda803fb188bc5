package models

import "time"

type OrderSide string
type OrderType string
type OrderStatus string
type OrderKind string

const (
	OrderSideBuy  OrderSide = "Buy"
	OrderSideSell OrderSide = "Sell"

	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"

	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCanceled        OrderStatus = "Cancelled"
	OrderStatusRejected        OrderStatus = "Rejected"

	OrderKindEntry  OrderKind = "ENTRY"
	OrderKindSafety OrderKind = "SAFETY"
	OrderKindTP     OrderKind = "TAKE_PROFIT"
	OrderKindClose  OrderKind = "CLOSE"
)

// Order is an exchange-side order handle. Deal accounting never reads it
// directly; only confirmed fills are applied to a deal.
type Order struct {
	ID          string      `json:"id"`
	LinkID      string      `json:"link_id"`
	Symbol      string      `json:"symbol"`
	Side        OrderSide   `json:"side"`
	Type        OrderType   `json:"type"`
	Kind        OrderKind   `json:"kind"`
	Direction   Direction   `json:"direction"`
	Price       float64     `json:"price"`
	Qty         float64     `json:"qty"`
	FilledQty   float64     `json:"filled_qty"`
	AvgPrice    float64     `json:"avg_price"`
	Status      OrderStatus `json:"status"`
	CreateTime  time.Time   `json:"create_time"`
	UpdateTime  time.Time   `json:"update_time"`
	ReduceOnly  bool        `json:"reduce_only"`
	TimeInForce string      `json:"time_in_force"`
	PriceStep   float64     `json:"-"`
	QtyStep     float64     `json:"-"`
}

func (o Order) IsFilled() bool {
	return o.Status == OrderStatusFilled
}

func (o Order) IsOpen() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled
}

func (o Order) IsCanceled() bool {
	return o.Status == OrderStatusCanceled || o.Status == OrderStatusRejected
}

type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

func (d Direction) EntrySide() OrderSide {
	if d == Short {
		return OrderSideSell
	}
	return OrderSideBuy
}

func (d Direction) ExitSide() OrderSide {
	if d == Short {
		return OrderSideBuy
	}
	return OrderSideSell
}

func (d Direction) Valid() bool {
	return d == Long || d == Short
}
