package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"regimebot/internal/models"
)

// ErrOrderNotFound is returned by QueryOrder when neither the open nor the
// history endpoint knows the order.
var ErrOrderNotFound = errors.New("ордер не найден")

func (c *Client) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	body := map[string]any{
		"category":    c.category,
		"symbol":      order.Symbol,
		"side":        order.Side,
		"orderType":   order.Type,
		"qty":         formatWithStep(order.Qty, order.QtyStep),
		"orderLinkId": order.LinkID,
		"positionIdx": positionIdx(order.Direction),
	}
	if order.Type == models.OrderTypeLimit {
		body["price"] = formatWithStep(order.Price, order.PriceStep)
		tif := order.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		body["timeInForce"] = tif
	}
	if order.ReduceOnly {
		body["reduceOnly"] = true
	}

	var resp bybitResponse[struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}]
	if err := c.doRequest(ctx, http.MethodPost, "/v5/order/create", nil, body, true, &resp); err != nil {
		return models.Order{}, err
	}

	order.ID = resp.Result.OrderID
	order.Status = models.OrderStatusNew
	order.CreateTime = c.now()
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]any{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	var resp bybitResponse[struct{}]
	return c.doRequest(ctx, http.MethodPost, "/v5/order/cancel", nil, body, true, &resp)
}

// QueryOrder looks the order up among open orders first and falls back to
// order history once it has left the book.
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (models.Order, error) {
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		params := url.Values{}
		params.Set("category", c.category)
		params.Set("symbol", symbol)
		params.Set("orderId", orderID)

		var resp bybitResponse[orderList]
		if err := c.doRequest(ctx, http.MethodGet, path, params, nil, true, &resp); err != nil {
			return models.Order{}, err
		}
		for _, item := range resp.Result.List {
			if item.OrderID == orderID {
				return toOrder(item), nil
			}
		}
	}
	return models.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
}

func toOrder(item orderItem) models.Order {
	price, _ := parseFloatOrZero(item.Price)
	qty, _ := parseFloatOrZero(item.Qty)
	filled, _ := parseFloatOrZero(item.CumExecQty)
	avg, _ := parseFloatOrZero(item.AvgPrice)
	created, _ := strconv.ParseInt(item.CreatedTime, 10, 64)
	updated, _ := strconv.ParseInt(item.UpdatedTime, 10, 64)

	return models.Order{
		ID:          item.OrderID,
		LinkID:      item.OrderLinkID,
		Symbol:      item.Symbol,
		Side:        models.OrderSide(item.Side),
		Type:        models.OrderType(item.OrderType),
		Direction:   directionFromIdx(item.PositionIdx),
		Price:       price,
		Qty:         qty,
		FilledQty:   filled,
		AvgPrice:    avg,
		Status:      normalizeStatus(item.OrderStatus),
		CreateTime:  time.UnixMilli(created),
		UpdateTime:  time.UnixMilli(updated),
		ReduceOnly:  item.ReduceOnly,
		TimeInForce: item.TimeInForce,
	}
}

func normalizeStatus(s string) models.OrderStatus {
	switch s {
	case "Created", "New", "Untriggered", "Triggered":
		return models.OrderStatusNew
	case "PartiallyFilled", "Active":
		return models.OrderStatusPartiallyFilled
	case "Filled":
		return models.OrderStatusFilled
	case "Rejected":
		return models.OrderStatusRejected
	default:
		return models.OrderStatusCanceled
	}
}

// positionIdx maps a direction to Bybit's hedge-mode position index.
func positionIdx(dir models.Direction) int {
	switch dir {
	case models.Long:
		return 1
	case models.Short:
		return 2
	}
	return 0
}

func directionFromIdx(idx int) models.Direction {
	switch idx {
	case 1:
		return models.Long
	case 2:
		return models.Short
	}
	return ""
}
