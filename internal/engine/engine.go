// Package engine drives one symbol: it reads the regime for every closed
// bar, sizes LONG and SHORT deals from the allocation policy, advances
// them through the deal state machine and enforces the risk controls. The
// same Step runs in backtest, paper and live mode; only where fills come
// from differs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"regimebot/internal/allocation"
	"regimebot/internal/deal"
	"regimebot/internal/exchange"
	"regimebot/internal/logger"
	"regimebot/internal/metrics"
	"regimebot/internal/models"
	"regimebot/internal/notify"
	"regimebot/internal/regime"
	"regimebot/internal/store"
)

type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeBacktest, ModePaper, ModeLive:
		return m, nil
	}
	return "", fmt.Errorf("Неизвестный режим работы: %q", s)
}

var (
	ErrHalted       = errors.New("торговля остановлена")
	ErrNoGateway    = errors.New("для live режима нужен шлюз биржи")
	ErrNoMarketData = errors.New("нет источника рыночных данных")
)

var directions = [...]models.Direction{models.Long, models.Short}

// Config is everything one symbol engine needs. Percent fields are in
// percent units.
type Config struct {
	Symbol    string
	Timeframe models.Timeframe
	Mode      Mode
	Capital   float64
	Profile   allocation.Profile

	TPPct       float64
	TrailingPct float64
	DevPct      float64
	DevMult     float64
	FeePct      float64
	SlippagePct float64
	Adaptive    bool
	ATRTiers    bool

	// MaxDrawdownPct is measured from peak equity; 0 disables the breaker.
	MaxDrawdownPct       float64
	DailyLossPct         float64
	DailyPause           time.Duration
	MaxConsecutiveErrors int

	MarginTTL    time.Duration
	MarginBuffer float64
	QuoteCoin    string

	HistoryBars   int
	PollInterval  time.Duration
	FillPolls     int
	FillPollDelay time.Duration
	RetryBase     time.Duration
	EquityPoints  int
	ClosedHistory int
}

func DefaultConfig(symbol string, tf models.Timeframe, profile allocation.Profile) Config {
	return Config{
		Symbol:               symbol,
		Timeframe:            tf,
		Mode:                 ModePaper,
		Capital:              1000,
		Profile:              profile,
		TPPct:                1.5,
		DevPct:               2.5,
		DevMult:              1.0,
		FeePct:               0.055,
		SlippagePct:          0.05,
		MaxDrawdownPct:       25,
		DailyLossPct:         15,
		DailyPause:           24 * time.Hour,
		MaxConsecutiveErrors: 3,
		MarginTTL:            25 * time.Second,
		MarginBuffer:         1.2,
		QuoteCoin:            "USDT",
		HistoryBars:          300,
		PollInterval:         30 * time.Second,
		FillPolls:            10,
		FillPollDelay:        500 * time.Millisecond,
		RetryBase:            time.Second,
		EquityPoints:         10000,
		ClosedHistory:        500,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Symbol == "" {
		errs = append(errs, errors.New("не задан символ"))
	}
	if _, err := c.Timeframe.Duration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		errs = append(errs, err)
	}
	if c.Capital <= 0 {
		errs = append(errs, fmt.Errorf("капитал должен быть больше нуля: %v", c.Capital))
	}
	if err := c.Profile.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.TPPct <= 0 || c.DevPct <= 0 || c.DevMult <= 0 {
		errs = append(errs, fmt.Errorf("некорректные tp=%v dev=%v dev_mult=%v", c.TPPct, c.DevPct, c.DevMult))
	}
	if c.MaxDrawdownPct < 0 || c.DailyLossPct < 0 {
		errs = append(errs, fmt.Errorf("некорректные лимиты риска: drawdown=%v daily=%v", c.MaxDrawdownPct, c.DailyLossPct))
	}
	return errors.Join(errs...)
}

// Deps are the collaborators an engine is wired with. Only Classifier and
// Policy are required; live mode also needs Market and Gateway.
type Deps struct {
	Classifier *regime.Classifier
	Policy     *allocation.Policy
	Adaptive   *allocation.Adaptive
	Market     exchange.MarketData
	Gateway    exchange.Gateway
	Stream     exchange.Streamer
	Store      store.Store
	Journal    *store.Journal
	Notifier   notify.Sink
	Metrics    *metrics.Metrics
	Log        *logger.Logger
	Now        func() time.Time
	// Checkpoint persists the owner's state after a deal transition when
	// the engine has no Store of its own.
	Checkpoint func(ctx context.Context) error
}

// Engine is driven from a single goroutine. Status may be read
// concurrently: it returns the snapshot published after the last step.
type Engine struct {
	cfg Config

	classifier *regime.Classifier
	policy     *allocation.Policy
	adaptive   *allocation.Adaptive
	market     exchange.MarketData
	gateway    exchange.Gateway
	stream     exchange.Streamer
	store      store.Store
	journal    *store.Journal
	notifier   notify.Sink
	metrics    *metrics.Metrics
	log        *logger.Logger
	now        func() time.Time
	onCommit   func(ctx context.Context) error

	rules  exchange.InstrumentRules
	margin marginCache

	st        State
	published atomic.Pointer[Status]
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("конфигурация движка %s: %w", cfg.Symbol, err)
	}
	if deps.Classifier == nil {
		deps.Classifier = regime.New(regime.DefaultTable())
	}
	if deps.Policy == nil {
		p, err := allocation.NewPolicy(nil, cfg.Profile)
		if err != nil {
			return nil, err
		}
		deps.Policy = p
	}
	if cfg.Adaptive && deps.Adaptive == nil {
		ac := allocation.DefaultAdaptiveConfig()
		ac.BaseTPPct = cfg.TPPct
		ac.BaseDevPct = cfg.DevPct
		deps.Adaptive = allocation.NewAdaptive(ac, cfg.Profile)
	}
	if cfg.Mode == ModeLive && deps.Gateway == nil {
		return nil, ErrNoGateway
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard
	}
	if deps.Log == nil {
		deps.Log = logger.New(logger.Config{Level: "info"})
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.FillPolls <= 0 {
		cfg.FillPolls = 10
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 3
	}
	if cfg.MarginBuffer <= 0 {
		cfg.MarginBuffer = 1.2
	}
	if cfg.DailyPause <= 0 {
		cfg.DailyPause = 24 * time.Hour
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.DevMult <= 0 {
		cfg.DevMult = 1
	}

	e := &Engine{
		cfg:        cfg,
		classifier: deps.Classifier,
		policy:     deps.Policy,
		adaptive:   deps.Adaptive,
		market:     deps.Market,
		gateway:    deps.Gateway,
		stream:     deps.Stream,
		store:      deps.Store,
		journal:    deps.Journal,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		log:        deps.Log,
		now:        deps.Now,
		onCommit:   deps.Checkpoint,
	}
	e.st = newState(cfg)
	if e.adaptive != nil {
		e.st.Params = e.adaptive.Initial()
	} else {
		e.st.Params = allocation.Params{TPPct: cfg.TPPct, DevPct: cfg.DevPct}
	}
	e.publish()
	return e, nil
}

func (e *Engine) Symbol() string {
	return e.cfg.Symbol
}

func (e *Engine) Mode() Mode {
	return e.cfg.Mode
}

func (e *Engine) logEntry() *logrus.Entry {
	entry := e.log.WithComponent("engine")
	if e.cfg.Symbol != "" {
		entry = entry.WithField("symbol", e.cfg.Symbol)
	}
	return entry
}

func (e *Engine) send(kind notify.Kind, title, msg string, fields map[string]interface{}) {
	e.notifier.Send(notify.Event{
		Kind:    kind,
		Symbol:  e.cfg.Symbol,
		Title:   title,
		Message: msg,
		Fields:  fields,
		Time:    e.now(),
	})
}

func (e *Engine) journalDeal(d *deal.Deal) {
	if err := e.journal.Append(d); err != nil {
		e.logEntry().WithError(err).Warn("Не удалось записать сделку в журнал.")
	}
}
