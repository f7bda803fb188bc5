package models

import (
	"sort"
	"time"
)

type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

func (b Bar) Range() float64 {
	return b.High - b.Low
}

// Series splits bars into column slices.
type Series struct {
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
}

func Columns(bars []Bar) Series {
	s := Series{
		Open:   make([]float64, len(bars)),
		High:   make([]float64, len(bars)),
		Low:    make([]float64, len(bars)),
		Close:  make([]float64, len(bars)),
		Volume: make([]float64, len(bars)),
	}
	for i, b := range bars {
		s.Open[i] = b.Open
		s.High[i] = b.High
		s.Low[i] = b.Low
		s.Close[i] = b.Close
		s.Volume[i] = b.Volume
	}
	return s
}

// DedupBars returns bars sorted by time with duplicate timestamps removed,
// keeping the last occurrence.
func DedupBars(bars []Bar) []Bar {
	if len(bars) == 0 {
		return bars
	}
	out := make([]Bar, 0, len(bars))
	index := make(map[int64]int, len(bars))
	for _, b := range bars {
		key := b.Time.UnixMilli()
		if pos, ok := index[key]; ok {
			out[pos] = b
			continue
		}
		index[key] = len(out)
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}
