package ws

import (
	"context"
	"fmt"

	"regimebot/internal/exchange"
	"regimebot/internal/exchange/bybit/rest"
	"regimebot/internal/models"
)

// SubscribeKlines connects if needed and streams klines for symbol. The
// channel closes when ctx is done.
func (w *Client) SubscribeKlines(ctx context.Context, symbol string, tf models.Timeframe) (<-chan exchange.Event, error) {
	iv, err := rest.Interval(tf)
	if err != nil {
		return nil, err
	}
	if w.conn == nil {
		if err := w.Connect(ctx); err != nil {
			return nil, err
		}
	}
	if err := w.SubscribeToTopics(symbol, []string{fmt.Sprintf("kline.%s.%s", iv, symbol)}); err != nil {
		return nil, fmt.Errorf("Не удалось подписаться на свечи: %w", err)
	}
	go func() {
		select {
		case <-ctx.Done():
			w.Close()
		case <-w.stopCh:
		}
	}()
	return w.events, nil
}

func (w *Client) SubscribeToTopics(symbol string, topics []string) error {
	w.symbol = symbol
	w.topics = topics
	return w.writeJSON(SubscribeMessage{
		Op:   "subscribe",
		Args: topics,
	})
}
