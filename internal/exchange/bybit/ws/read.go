package ws

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"regimebot/internal/exchange"
)

func (w *Client) readLoop() {
	defer close(w.events)
	w.logEntry().Debug("readLoop запущен.")

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.stopCh:
				return
			default:
			}
			w.logEntry().WithError(err).Warn("Ошибка чтения WS.")
			if !w.reconnect() {
				return
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось разобрать WS сообщение.")
			continue
		}

		switch {
		case strings.HasPrefix(msg.Topic, "kline."):
			w.handleKline(msg)
		case msg.Op == "subscribe" || msg.Op == "pong" || msg.Op == "ping":
		default:
			w.logEntry().WithField("topic", msg.Topic).Debug("Неизвестное WS сообщение.")
		}
	}
}

func (w *Client) reconnect() bool {
	backoff := w.reconnectMin

	for {
		select {
		case <-w.stopCh:
			return false
		case <-time.After(backoff):
		}

		w.logEntry().Info("Попытка переподключения к WS.")

		conn, _, err := websocket.DefaultDialer.Dial(w.url, nil)
		if err != nil {
			w.logEntry().WithError(err).Warn("Не удалось переподключиться к WS.")
			backoff = w.nextBackoff(backoff)
			continue
		}

		w.writeMu.Lock()
		if w.conn != nil {
			_ = w.conn.Close()
		}
		w.conn = conn
		w.conn.SetReadLimit(2 << 20)
		w.writeMu.Unlock()

		if len(w.topics) > 0 {
			if err := w.SubscribeToTopics(w.symbol, w.topics); err != nil {
				w.logEntry().WithError(err).Warn("Не удалось повторно подписаться на WS.")
				backoff = w.nextBackoff(backoff)
				continue
			}
		}

		w.emit(exchange.Event{Type: exchange.EventTypeReconnect, Symbol: w.symbol})
		w.logEntry().Info("WS переподключён и подписки восстановлены.")
		return true
	}
}

func (w *Client) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > w.reconnectMax {
		return w.reconnectMax
	}
	return next
}
