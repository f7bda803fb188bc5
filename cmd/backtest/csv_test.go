package main

import (
	"strings"
	"testing"
	"time"
)

func TestReadBarsSkipsHeaderAndSorts(t *testing.T) {
	in := `timestamp,open,high,low,close,volume
1714521600000,101,103,100,102,10
1714518000000,100,102,99,101,12
1714521600000,101,103,100,102,10
`
	bars, err := readBars(strings.NewReader(in))
	if err != nil {
		t.Fatalf("readBars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("bars = %d", len(bars))
	}
	if !bars[0].Time.Equal(time.Date(2024, 4, 30, 23, 0, 0, 0, time.UTC)) || bars[0].Close != 101 {
		t.Fatalf("first bar %+v", bars[0])
	}
	if bars[1].Volume != 10 || bars[1].High != 103 {
		t.Fatalf("second bar %+v", bars[1])
	}
}

func TestReadBarsAcceptsRFC3339WithoutVolume(t *testing.T) {
	bars, err := readBars(strings.NewReader("2024-05-01T00:00:00Z,1,2,0.5,1.5\n"))
	if err != nil {
		t.Fatalf("readBars: %v", err)
	}
	if len(bars) != 1 || bars[0].Low != 0.5 || bars[0].Volume != 0 {
		t.Fatalf("bars = %+v", bars)
	}
}

func TestReadBarsRejectsBadRow(t *testing.T) {
	if _, err := readBars(strings.NewReader("1714518000,100,x,99,101\n")); err == nil {
		t.Fatal("expected error")
	}
	if _, err := readBars(strings.NewReader("1714518000,100,101\n")); err == nil {
		t.Fatal("expected error for short row")
	}
}
