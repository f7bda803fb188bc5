package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	colorInfo  = 0x2ecc71
	colorAlert = 0xe74c3c
)

type Discord struct {
	webhookURL string
	client     *http.Client
}

func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Deliver(ctx context.Context, ev Event) error {
	color := colorInfo
	switch ev.Kind {
	case KindCircuitBreaker, KindKillSwitch, KindAlert, KindDailyPause:
		color = colorAlert
	}
	payload, err := json.Marshal(map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       ev.Title,
				"description": ev.Message,
				"color":       color,
				"footer":      map[string]string{"text": string(ev.Kind)},
				"timestamp":   ev.Time.Format(time.RFC3339),
			},
		},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("Ошибка отправки в discord: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("discord вернул статус %d", resp.StatusCode)
	}
	return nil
}
