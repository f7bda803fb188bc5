package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"regimebot/internal/logger"
)

type recordingSender struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	block  chan struct{}
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) Deliver(_ context.Context, ev Event) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.fail {
		return errors.New("down")
	}
	return nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "panic"})
}

func TestDispatcherDeliversToAllSenders(t *testing.T) {
	a := &recordingSender{}
	b := &recordingSender{fail: true}
	d := NewDispatcher(testLogger(), 10, a, b)
	d.Start()

	d.Send(Event{Kind: KindDealOpened, Title: "open"})
	d.Send(Event{Kind: KindTakeProfit, Title: "tp"})
	d.Close()

	if len(a.events) != 2 || len(b.events) != 2 {
		t.Fatalf("a=%d b=%d", len(a.events), len(b.events))
	}
	if a.events[0].Time.IsZero() {
		t.Fatal("time not stamped")
	}
}

func TestSendNeverBlocks(t *testing.T) {
	s := &recordingSender{block: make(chan struct{})}
	d := NewDispatcher(testLogger(), 1, s)
	d.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			d.Send(Event{Kind: KindAlert})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a stalled sender")
	}
	close(s.block)
	d.Close()
	d.Send(Event{Kind: KindAlert})
}

func TestTelegramPayload(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/botTOKEN/sendMessage") {
			t.Errorf("path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	tg := NewTelegram("TOKEN", "42")
	tg.baseURL = server.URL
	if err := tg.Deliver(context.Background(), Event{Title: "Сделка", Message: "открыта"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got["chat_id"] != "42" || got["text"] != "Сделка\nоткрыта" {
		t.Fatalf("payload %v", got)
	}
}

func TestDiscordErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	err := NewDiscord(server.URL).Deliver(context.Background(), Event{Kind: KindKillSwitch, Time: time.Now()})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}
