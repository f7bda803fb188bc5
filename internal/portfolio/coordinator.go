package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"regimebot/internal/deal"
	"regimebot/internal/engine"
	"regimebot/internal/logger"
	"regimebot/internal/metrics"
	"regimebot/internal/notify"
	"regimebot/internal/ranking"
	"regimebot/internal/store"
)

var ErrHalted = errors.New("портфель остановлен")

// Trader is one instrument's engine as the coordinator sees it.
type Trader interface {
	Symbol() string
	Prepare(ctx context.Context) error
	Cycle(ctx context.Context) error
	Equity() float64
	HasOpenDeals() bool
	Halted() bool
	SetCapital(capital float64)
	SetWindingDown(on bool)
	CloseAll(ctx context.Context, reason deal.CloseReason) error
	Halt(ctx context.Context, reason string)
	Status() engine.Status
	Snapshot() (engine.Snapshot, error)
	Restore(s engine.Snapshot) error
}

// Factory builds a trader for symbol sized to capital.
type Factory func(symbol string, capital float64) (Trader, error)

type Ranker interface {
	Ranking(ctx context.Context) ([]ranking.Entry, error)
}

type Config struct {
	Capital           float64
	MaxCoins          int
	ReservePct        float64
	MinAllocPct       float64
	MinHold           time.Duration
	ImprovementPct    float64
	WindDownTimeout   time.Duration
	CircuitBreakerPct float64
	MaxErrors         int
	RotationHistory   int
	RebalanceEvery    time.Duration
	CycleInterval     time.Duration
}

func DefaultConfig(capital float64) Config {
	return Config{
		Capital:           capital,
		MaxCoins:          3,
		ReservePct:        10,
		MinAllocPct:       15,
		MinHold:           4 * time.Hour,
		ImprovementPct:    20,
		WindDownTimeout:   2 * time.Hour,
		CircuitBreakerPct: 25,
		MaxErrors:         3,
		RotationHistory:   50,
		RebalanceEvery:    6 * time.Hour,
		CycleInterval:     30 * time.Second,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Capital <= 0 {
		errs = append(errs, fmt.Errorf("капитал портфеля должен быть > 0: %v", c.Capital))
	}
	if c.MaxCoins <= 0 {
		errs = append(errs, fmt.Errorf("max_coins должен быть > 0: %d", c.MaxCoins))
	}
	if c.ReservePct < 0 || c.ReservePct >= 100 {
		errs = append(errs, fmt.Errorf("reserve_pct вне диапазона [0, 100): %v", c.ReservePct))
	}
	if c.MinAllocPct < 0 || c.MinAllocPct > 100 {
		errs = append(errs, fmt.Errorf("min_alloc_pct вне диапазона [0, 100]: %v", c.MinAllocPct))
	}
	if c.CircuitBreakerPct <= 0 || c.CircuitBreakerPct > 100 {
		errs = append(errs, fmt.Errorf("circuit_breaker_pct вне диапазона (0, 100]: %v", c.CircuitBreakerPct))
	}
	return errors.Join(errs...)
}

type Deps struct {
	Factory  Factory
	Ranker   Ranker
	Store    store.Store
	Notifier notify.Sink
	Metrics  *metrics.Metrics
	Log      *logger.Logger
	Now      func() time.Time
}

// Slot is one instrument's share of the pool and its engine.
type Slot struct {
	Symbol      string
	Score       float64
	Capital     float64
	AddedAt     time.Time
	WindingDown bool
	WindDownAt  time.Time

	trader Trader
}

type Rotation struct {
	Time    time.Time `json:"time"`
	Action  string    `json:"action"`
	Symbol  string    `json:"symbol"`
	Reason  string    `json:"reason,omitempty"`
	Score   float64   `json:"score,omitempty"`
	Capital float64   `json:"capital,omitempty"`
}

// Coordinator runs its slots one after another from a single goroutine.
// Status may be read concurrently.
type Coordinator struct {
	cfg      Config
	factory  Factory
	ranker   Ranker
	store    store.Store
	notifier notify.Sink
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time

	pool          float64
	slots         []*Slot
	halted        bool
	haltReason    string
	errors        int
	rotations     []Rotation
	lastRebalance time.Time

	published atomic.Pointer[Status]
}

func New(cfg Config, deps Deps) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("конфигурация портфеля: %w", err)
	}
	if deps.Factory == nil {
		return nil, errors.New("портфелю нужна фабрика движков")
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
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 3
	}
	if cfg.RotationHistory <= 0 {
		cfg.RotationHistory = 50
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 30 * time.Second
	}
	c := &Coordinator{
		cfg:      cfg,
		factory:  deps.Factory,
		ranker:   deps.Ranker,
		store:    deps.Store,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		log:      deps.Log,
		now:      deps.Now,
		pool:     cfg.Capital,
	}
	c.publish()
	return c, nil
}

// Equity is the free pool plus every slot's mark-to-market equity.
func (c *Coordinator) Equity() float64 {
	eq := c.pool
	for _, s := range c.slots {
		eq += s.trader.Equity()
	}
	return eq
}

func (c *Coordinator) Halted() bool {
	return c.halted
}

func (c *Coordinator) Slots() []Slot {
	out := make([]Slot, 0, len(c.slots))
	for _, s := range c.slots {
		out = append(out, *s)
	}
	return out
}

func (c *Coordinator) Rotations() []Rotation {
	return append([]Rotation(nil), c.rotations...)
}

func (c *Coordinator) slot(symbol string) *Slot {
	for _, s := range c.slots {
		if s.Symbol == symbol {
			return s
		}
	}
	return nil
}

func (c *Coordinator) counts() (active, windingDown int) {
	for _, s := range c.slots {
		if s.WindingDown {
			windingDown++
		} else {
			active++
		}
	}
	return active, windingDown
}

// Cycle steps every slot once, then settles wind-downs and runs the
// portfolio breakers.
func (c *Coordinator) Cycle(ctx context.Context) error {
	if c.halted {
		c.publish()
		return ErrHalted
	}

	failed := false
	for _, s := range c.slots {
		if err := s.trader.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed = true
			c.logEntry().WithError(err).WithField("symbol", s.Symbol).Warn("Цикл слота завершился с ошибкой.")
		}
	}

	c.checkWindDowns(ctx)
	c.checkCircuitBreaker(ctx)

	if failed && !c.halted {
		c.errors++
		if c.errors >= c.cfg.MaxErrors {
			c.haltAll(ctx, fmt.Sprintf("аварийная остановка портфеля: %d ошибок подряд", c.errors), notify.KindKillSwitch)
		}
	} else if !failed {
		c.errors = 0
	}

	c.publish()
	c.persist(ctx)
	return nil
}

// Run rebalances from the ranker on schedule and cycles the slots until
// ctx is cancelled. A halted portfolio keeps serving its status.
func (c *Coordinator) Run(ctx context.Context) error {
	if _, err := c.Load(ctx); err != nil {
		return err
	}
	defer c.shutdown()

	c.logEntry().WithFields(map[string]interface{}{
		"capital":   c.cfg.Capital,
		"max_coins": c.cfg.MaxCoins,
		"slots":     len(c.slots),
	}).Info("Портфель запущен.")

	for {
		if !c.halted && c.rebalanceDue() {
			c.refresh(ctx)
		}
		if err := c.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, ErrHalted) {
				c.logEntry().WithError(err).Warn("Цикл портфеля завершился с ошибкой.")
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.CycleInterval):
		}
	}
}

func (c *Coordinator) rebalanceDue() bool {
	if c.ranker == nil {
		return false
	}
	return c.lastRebalance.IsZero() || c.now().Sub(c.lastRebalance) >= c.cfg.RebalanceEvery
}

func (c *Coordinator) refresh(ctx context.Context) {
	entries, err := c.ranker.Ranking(ctx)
	if err != nil {
		c.logEntry().WithError(err).Warn("Рейтинг недоступен, ребаланс пропущен.")
		c.lastRebalance = c.now()
		return
	}
	if err := c.Rebalance(ctx, entries); err != nil {
		c.logEntry().WithError(err).Warn("Ребаланс завершился с ошибкой.")
	}
}

func (c *Coordinator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Persist(ctx); err != nil {
		c.logEntry().WithError(err).Error("Не удалось сохранить финальный снимок портфеля.")
		return
	}
	c.logEntry().Info("Портфель остановлен, снимок сохранён.")
}

func (c *Coordinator) record(r Rotation) {
	r.Time = c.now()
	c.rotations = append(c.rotations, r)
	if n := len(c.rotations); n > c.cfg.RotationHistory {
		c.rotations = append([]Rotation(nil), c.rotations[n-c.cfg.RotationHistory:]...)
	}
}

func (c *Coordinator) logEntry() *logrus.Entry {
	return c.log.WithComponent("portfolio")
}

func (c *Coordinator) send(kind notify.Kind, symbol, title, msg string, fields map[string]interface{}) {
	c.notifier.Send(notify.Event{
		Kind:    kind,
		Symbol:  symbol,
		Title:   title,
		Message: msg,
		Fields:  fields,
		Time:    c.now(),
	})
}

func (c *Coordinator) persist(ctx context.Context) {
	if err := c.Persist(ctx); err != nil {
		c.logEntry().WithError(err).Warn("Не удалось сохранить снимок портфеля.")
	}
}
