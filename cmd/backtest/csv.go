package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"regimebot/internal/models"
)

func readBarsFile(path string) ([]models.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("Не удалось открыть %s: %w", path, err)
	}
	defer f.Close()
	return readBars(f)
}

// readBars parses time,open,high,low,close[,volume] rows. A header row is
// skipped. Time is unix seconds, unix milliseconds or RFC3339.
func readBars(r io.Reader) ([]models.Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var bars []models.Bar
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("строка %d: %w", line, err)
		}
		if len(rec) < 5 {
			return nil, fmt.Errorf("строка %d: ожидалось минимум 5 колонок, получено %d", line, len(rec))
		}
		if line == 1 && isHeader(rec[0]) {
			continue
		}
		bar, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("строка %d: %w", line, err)
		}
		bars = append(bars, bar)
	}
	return models.DedupBars(bars), nil
}

func isHeader(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "time" || s == "timestamp" || s == "date" || s == "open_time"
}

func parseRow(rec []string) (models.Bar, error) {
	t, err := parseTime(rec[0])
	if err != nil {
		return models.Bar{}, err
	}
	vals := make([]float64, 5)
	for i := 1; i < len(rec) && i <= 5; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
		if err != nil {
			return models.Bar{}, fmt.Errorf("колонка %d: %w", i+1, err)
		}
		vals[i-1] = v
	}
	return models.Bar{Time: t, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]}, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("не удалось разобрать время %q", s)
}
