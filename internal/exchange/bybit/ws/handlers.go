package ws

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"regimebot/internal/exchange"
	"regimebot/internal/models"
)

func (w *Client) handleKline(msg Message) {
	var data []klineData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("Не удалось разобрать kline.")
		return
	}
	symbol := msg.Topic[strings.LastIndexByte(msg.Topic, '.')+1:]

	for _, item := range data {
		bar := models.Bar{Time: time.UnixMilli(item.Start).UTC()}
		bar.Open, _ = strconv.ParseFloat(item.Open, 64)
		bar.High, _ = strconv.ParseFloat(item.High, 64)
		bar.Low, _ = strconv.ParseFloat(item.Low, 64)
		bar.Close, _ = strconv.ParseFloat(item.Close, 64)
		bar.Volume, _ = strconv.ParseFloat(item.Volume, 64)

		if item.Confirm {
			w.logEntry().WithFields(map[string]interface{}{
				"start": bar.Time,
				"close": bar.Close,
			}).Debug("Свеча закрыта.")
		}
		w.emit(exchange.Event{
			Type:      exchange.EventTypeKline,
			Symbol:    symbol,
			Bar:       &bar,
			Confirmed: item.Confirm,
		})
	}
}

// emit never blocks the read loop; a slow consumer only loses wake-ups.
func (w *Client) emit(ev exchange.Event) {
	select {
	case w.events <- ev:
	default:
		w.logEntry().Debug("Очередь событий WS переполнена.")
	}
}
