// Package ranking reads the externally produced list of instruments and
// scores that drives portfolio rebalancing.
package ranking

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type Entry struct {
	Symbol string  `yaml:"symbol" json:"symbol"`
	Score  float64 `yaml:"score" json:"score"`
}

type document struct {
	Ranking []Entry `yaml:"ranking" json:"ranking"`
	Top     []Entry `yaml:"top_5" json:"top_5"`
}

// NormalizeSymbol turns "HYPE/USDT" or "hype-usdt" into "HYPEUSDT".
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
}

// Normalize cleans symbols, drops entries without a symbol and keeps the
// first occurrence of each instrument. Order is by score, highest first;
// equal scores keep their input order.
func Normalize(entries []Entry) []Entry {
	seen := make(map[string]bool, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		e.Symbol = NormalizeSymbol(e.Symbol)
		if e.Symbol == "" || seen[e.Symbol] {
			continue
		}
		seen[e.Symbol] = true
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Parse decodes a ranking document. JSON is accepted as well as YAML; the
// list may sit under "ranking", under "top_5", or be the whole document.
func Parse(data []byte, format string) ([]Entry, error) {
	var doc document
	var list []Entry
	switch format {
	case "json":
		if err := json.Unmarshal(data, &list); err != nil {
			if err := json.Unmarshal(data, &doc); err != nil {
				return nil, fmt.Errorf("Не удалось разобрать рейтинг: %w", err)
			}
		}
	default:
		if err := yaml.Unmarshal(data, &list); err != nil {
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return nil, fmt.Errorf("Не удалось разобрать рейтинг: %w", err)
			}
		}
	}
	if len(list) == 0 {
		list = doc.Ranking
	}
	if len(list) == 0 {
		list = doc.Top
	}
	return Normalize(list), nil
}

// File re-reads a ranking file on every call, so an external scanner can
// replace it between rebalances.
type File struct {
	Path string
}

func NewFile(path string) *File {
	return &File{Path: path}
}

func (f *File) Ranking(_ context.Context) ([]Entry, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("Не удалось прочитать рейтинг %s: %w", f.Path, err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(f.Path), ".json") {
		format = "json"
	}
	return Parse(data, format)
}

// Static serves a fixed ranking.
type Static []Entry

func (s Static) Ranking(context.Context) ([]Entry, error) {
	return Normalize(s), nil
}
