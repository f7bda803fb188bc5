package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"regimebot/internal/exchange"
	"regimebot/internal/logger"
)

func New(url string, log *logger.Logger) *Client {
	return &Client{
		url:          url,
		log:          log,
		events:       make(chan exchange.Event, 100),
		stopCh:       make(chan struct{}),
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
		pingEvery:    20 * time.Second,
	}
}

func (w *Client) Connect(ctx context.Context) error {
	w.logEntry().WithField("url", w.url).Info("Подключение к WS.")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("Не удалось подключиться к WS: %w", err)
	}
	w.conn = conn
	w.conn.SetReadLimit(2 << 20)

	w.logEntry().Info("WS соединение установлено.")

	go w.readLoop()
	go w.pingLoop()
	return nil
}

func (w *Client) Close() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.writeMu.Lock()
		if w.conn != nil {
			_ = w.conn.Close()
		}
		w.writeMu.Unlock()
	})
}

func (w *Client) logEntry() *logrus.Entry {
	entry := w.log.WithComponent("bybit_ws")
	if w.symbol != "" {
		entry = entry.WithField("symbol", w.symbol)
	}
	return entry
}

func (w *Client) Events() <-chan exchange.Event {
	return w.events
}

func (w *Client) writeJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *Client) pingLoop() {
	ticker := time.NewTicker(w.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.writeJSON(map[string]string{"op": "ping"}); err != nil {
				w.logEntry().WithError(err).Debug("Не удалось отправить ping.")
			}
		}
	}
}
