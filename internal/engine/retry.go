package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"regimebot/internal/notify"
)

const retryAttempts = 5

// withRetry runs fn up to five times with doubling backoff. Rate-limit
// errors wait four times longer. A call that gets through ends the error
// streak.
func withRetry[T any](ctx context.Context, e *Engine, op string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	backoff := e.cfg.RetryBase
	for i := 0; i < retryAttempts; i++ {
		out, err := fn()
		if err == nil {
			e.st.Errors = 0
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		wait := time.Duration(math.Min(float64(backoff), float64(e.cfg.RetryBase*30)))
		if isRateLimitError(err) {
			wait = time.Duration(math.Min(float64(backoff*4), float64(e.cfg.RetryBase*30)))
		}
		e.logEntry().WithError(err).WithFields(map[string]interface{}{
			"op":      op,
			"attempt": i + 1,
			"wait":    wait.String(),
		}).Warn("Ошибка, повторяем запрос.")
		if i == retryAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return zero, fmt.Errorf("%s: %w", op, lastErr)
}

func (e *Engine) withRetryVoid(ctx context.Context, op string, fn func() error) error {
	_, err := withRetry(ctx, e, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Too many visits!") || strings.Contains(msg, "429") || strings.Contains(msg, "10006")
}

// recordError counts a gateway call that failed after its retries.
// MaxConsecutiveErrors of them without a successful call in between trip
// the kill switch.
func (e *Engine) recordError(ctx context.Context, op string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	e.st.Errors++
	e.metrics.GatewayError(e.cfg.Symbol)
	e.logEntry().WithError(err).WithFields(map[string]interface{}{
		"op":     op,
		"errors": e.st.Errors,
	}).Error("Ошибка шлюза биржи.")
	if e.st.Errors >= e.cfg.MaxConsecutiveErrors && !e.st.Halted {
		e.halt(ctx, fmt.Sprintf("аварийная остановка: %d ошибок подряд", e.st.Errors), notify.KindKillSwitch)
	}
}

func (e *Engine) linkID(dealID int, role string) string {
	return fmt.Sprintf("%d-%s-%s", dealID, role, shortID())
}

func shortID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return raw[:8]
}
