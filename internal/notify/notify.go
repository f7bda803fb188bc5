// Package notify delivers operator events. Sending never blocks the
// caller: events are queued and delivered by a background worker, and a
// full queue drops the event.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"regimebot/internal/logger"
)

type Kind string

const (
	KindDealOpened     Kind = "deal_opened"
	KindSafetyFilled   Kind = "safety_filled"
	KindTakeProfit     Kind = "take_profit"
	KindDealClosed     Kind = "deal_closed"
	KindCircuitBreaker Kind = "circuit_breaker"
	KindKillSwitch     Kind = "kill_switch"
	KindDailyPause     Kind = "daily_pause"
	KindReconciliation Kind = "reconciliation"
	KindAlert          Kind = "alert"
	KindDailySummary   Kind = "daily_summary"
	KindRebalance      Kind = "rebalance"
	KindWindDown       Kind = "wind_down"
)

type Event struct {
	Kind    Kind                   `json:"kind"`
	Symbol  string                 `json:"symbol,omitempty"`
	Title   string                 `json:"title"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	Time    time.Time              `json:"time"`
}

// Sink accepts events fire-and-forget.
type Sink interface {
	Send(ev Event)
}

// Sender is one delivery transport.
type Sender interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

type discard struct{}

func (discard) Send(Event) {}

// Discard drops every event.
var Discard Sink = discard{}

type Dispatcher struct {
	senders []Sender
	queue   chan Event
	log     *logger.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(log *logger.Logger, size int, senders ...Sender) *Dispatcher {
	if size <= 0 {
		size = 100
	}
	return &Dispatcher{
		senders: senders,
		queue:   make(chan Event, size),
		log:     log,
		timeout: 10 * time.Second,
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range d.queue {
			d.deliver(ev)
		}
	}()
}

func (d *Dispatcher) Send(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.logEntry().WithField("kind", ev.Kind).Warn("Очередь уведомлений переполнена, событие отброшено.")
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ev Event) {
	for _, s := range d.senders {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := s.Deliver(ctx, ev)
		cancel()
		if err != nil {
			d.logEntry().WithError(err).WithFields(map[string]interface{}{
				"sender": s.Name(),
				"kind":   ev.Kind,
			}).Warn("Не удалось доставить уведомление.")
		}
	}
}

func (d *Dispatcher) logEntry() *logrus.Entry {
	return d.log.WithComponent("notify")
}

// LogSender writes events to the process log.
type LogSender struct {
	log *logger.Logger
}

func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Deliver(_ context.Context, ev Event) error {
	entry := s.log.WithComponent("notify").WithFields(map[string]interface{}{
		"kind":   ev.Kind,
		"symbol": ev.Symbol,
	})
	if len(ev.Fields) > 0 {
		entry = entry.WithFields(ev.Fields)
	}
	switch ev.Kind {
	case KindCircuitBreaker, KindKillSwitch, KindAlert, KindDailyPause, KindReconciliation:
		entry.Warn(ev.Title + ": " + ev.Message)
	default:
		entry.Info(ev.Title + ": " + ev.Message)
	}
	return nil
}
