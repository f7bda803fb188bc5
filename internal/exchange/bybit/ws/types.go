package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"regimebot/internal/exchange"
	"regimebot/internal/logger"
)

type Client struct {
	url          string
	log          *logger.Logger
	conn         *websocket.Conn
	writeMu      sync.Mutex
	events       chan exchange.Event
	stopCh       chan struct{}
	stopOnce     sync.Once
	symbol       string
	topics       []string
	reconnectMin time.Duration
	reconnectMax time.Duration
	pingEvery    time.Duration
}

type Message struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Op    string          `json:"op"`
	Data  json.RawMessage `json:"data"`
}

type SubscribeMessage struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type klineData struct {
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
	Open    string `json:"open"`
	Close   string `json:"close"`
	High    string `json:"high"`
	Low     string `json:"low"`
	Volume  string `json:"volume"`
	Confirm bool   `json:"confirm"`
}
