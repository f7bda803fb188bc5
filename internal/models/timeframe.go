package models

import (
	"fmt"
	"time"
)

type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

func (t Timeframe) Duration() (time.Duration, error) {
	switch t {
	case Timeframe1m:
		return time.Minute, nil
	case Timeframe5m:
		return 5 * time.Minute, nil
	case Timeframe15m:
		return 15 * time.Minute, nil
	case Timeframe1h:
		return time.Hour, nil
	case Timeframe4h:
		return 4 * time.Hour, nil
	case Timeframe1d:
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("Неподдерживаемый таймфрейм: %q", string(t))
}

// NextBoundary returns the first bar boundary strictly after now.
func (t Timeframe) NextBoundary(now time.Time) (time.Time, error) {
	d, err := t.Duration()
	if err != nil {
		return time.Time{}, err
	}
	return now.Truncate(d).Add(d), nil
}
