package ranking

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestParseYAMLDocument(t *testing.T) {
	data := []byte(`
ranking:
  - symbol: sol/usdt
    score: 40
  - symbol: BTCUSDT
    score: 75
  - symbol: SOLUSDT
    score: 10
`)
	got, err := Parse(data, "yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %+v", got)
	}
	if got[0].Symbol != "BTCUSDT" || got[1].Symbol != "SOLUSDT" || got[1].Score != 40 {
		t.Fatalf("entries = %+v", got)
	}
}

func TestParseJSONList(t *testing.T) {
	got, err := Parse([]byte(`[{"symbol":"HYPE/USDT","score":3.5},{"symbol":"ETH-USDT","score":7}]`), "json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 2 || got[0].Symbol != "ETHUSDT" || got[1].Symbol != "HYPEUSDT" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestParseScannerTop(t *testing.T) {
	got, err := Parse([]byte(`{"action":"hold","top_5":[{"symbol":"XRP/USDT","score":12}]}`), "json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "XRPUSDT" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestFileRereadsOnEveryCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ranking.yaml")
	if err := os.WriteFile(path, []byte("- {symbol: BTCUSDT, score: 1}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := NewFile(path)
	first, err := f.Ranking(context.Background())
	if err != nil || len(first) != 1 {
		t.Fatalf("first = %+v, err = %v", first, err)
	}
	if err := os.WriteFile(path, []byte("- {symbol: BTCUSDT, score: 1}\n- {symbol: ETHUSDT, score: 2}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	second, err := f.Ranking(context.Background())
	if err != nil || len(second) != 2 || second[0].Symbol != "ETHUSDT" {
		t.Fatalf("second = %+v, err = %v", second, err)
	}
}

func TestFileMissing(t *testing.T) {
	if _, err := NewFile(filepath.Join(t.TempDir(), "none.yaml")).Ranking(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
