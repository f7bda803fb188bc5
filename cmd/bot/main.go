package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"regimebot/internal/allocation"
	"regimebot/internal/api"
	"regimebot/internal/config"
	"regimebot/internal/engine"
	"regimebot/internal/exchange"
	"regimebot/internal/exchange/bybit/rest"
	"regimebot/internal/exchange/bybit/ws"
	"regimebot/internal/logger"
	"regimebot/internal/metrics"
	"regimebot/internal/notify"
	"regimebot/internal/portfolio"
	"regimebot/internal/ranking"
	"regimebot/internal/store"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "путь к файлу конфигурации")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Бот запущен.")
	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("Бот завершился с ошибкой.")
	}
	log.Info("Бот остановлен.")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	mode, err := engine.ParseMode(cfg.Bot.Mode)
	if err != nil {
		return err
	}
	if mode == engine.ModeBacktest {
		return errors.New("для бэктеста используйте cmd/backtest")
	}
	profile, err := allocation.ProfileByName(string(cfg.Bot.Profile))
	if err != nil {
		return err
	}

	st, closeStore, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	var journal *store.Journal
	if cfg.Store.JournalPath != "" {
		if journal, err = store.NewJournal(cfg.Store.JournalPath); err != nil {
			return err
		}
	}

	dispatcher := notify.NewDispatcher(log, cfg.Notify.QueueSize, senders(cfg.Notify, log)...)
	dispatcher.Start()
	defer dispatcher.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	client := rest.New(cfg.Exchange.BaseUrl, cfg.Exchange.ApiKey, cfg.Exchange.Secret, cfg.Exchange.AccountType, log)
	var gateway exchange.Gateway
	if mode == engine.ModeLive {
		gateway = client
	}

	deps := engine.Deps{
		Market:   client,
		Gateway:  gateway,
		Journal:  journal,
		Notifier: dispatcher,
		Metrics:  m,
		Log:      log,
	}

	var status api.StatusFunc
	var halted api.HaltedFunc
	var loop func(context.Context) error

	if cfg.Portfolio.Enabled {
		coord, err := newCoordinator(cfg, mode, profile, deps, st, dispatcher, m, log)
		if err != nil {
			return err
		}
		status = func() interface{} { return coord.Status() }
		halted = func() bool { return coord.Status().Halted }
		loop = coord.Run
	} else {
		deps.Store = st
		if cfg.Bot.UseStream {
			deps.Stream = ws.New(cfg.Exchange.WSPublicURL, log)
		}
		eng, err := engine.New(engineConfig(cfg, cfg.Bot.Symbol, cfg.Bot.Capital, mode, profile), deps)
		if err != nil {
			return err
		}
		status = func() interface{} { return eng.Status() }
		halted = func() bool { return eng.Status().Halted }
		loop = eng.Run
	}

	if cfg.Metrics.Enabled {
		srv := api.NewServer(cfg.Metrics.Listen, status, halted, m, log)
		go func() {
			if err := srv.Start(); err != nil {
				log.WithError(err).Error("HTTP сервер завершился с ошибкой.")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return loop(ctx)
}

func engineConfig(cfg *config.Config, symbol string, capital float64, mode engine.Mode, profile allocation.Profile) engine.Config {
	ec := engine.DefaultConfig(symbol, cfg.Bot.Timeframe, profile)
	ec.Mode = mode
	ec.Capital = capital
	ec.TPPct = cfg.Bot.TPPercent
	ec.TrailingPct = cfg.Bot.TrailingPercent
	ec.DevPct = cfg.Bot.DevPercent
	ec.DevMult = cfg.Bot.DevMultiplier
	ec.FeePct = cfg.Bot.FeePercent
	ec.SlippagePct = cfg.Bot.SlippagePercent
	ec.Adaptive = cfg.Bot.Adaptive
	ec.ATRTiers = cfg.Bot.ATRTiers
	ec.MaxDrawdownPct = cfg.Risk.MaxDrawdownPct
	ec.DailyLossPct = cfg.Risk.DailyLossPct
	ec.DailyPause = cfg.Risk.DailyPause
	ec.MaxConsecutiveErrors = cfg.Risk.MaxConsecutiveErrors
	ec.MarginTTL = cfg.Risk.MarginTTL
	ec.MarginBuffer = cfg.Risk.MarginBuffer
	ec.QuoteCoin = cfg.Exchange.QuoteCoin
	if cfg.Bot.HistoryBars > 0 {
		ec.HistoryBars = cfg.Bot.HistoryBars
	}
	if cfg.Bot.PollInterval > 0 {
		ec.PollInterval = cfg.Bot.PollInterval
	}
	return ec
}

// newCoordinator builds slot engines without their own store: the
// coordinator snapshot carries every slot and is rewritten whenever a slot
// deal changes.
func newCoordinator(cfg *config.Config, mode engine.Mode, profile allocation.Profile, deps engine.Deps, st store.Store, sink notify.Sink, m *metrics.Metrics, log *logger.Logger) (*portfolio.Coordinator, error) {
	pc := portfolio.DefaultConfig(cfg.Bot.Capital)
	pc.MaxCoins = cfg.Portfolio.MaxCoins
	pc.ReservePct = cfg.Portfolio.ReservePct
	pc.MinAllocPct = cfg.Portfolio.MinAllocPct
	pc.MinHold = cfg.Portfolio.MinHold
	pc.ImprovementPct = cfg.Portfolio.ImprovementPct
	pc.WindDownTimeout = cfg.Portfolio.WindDownTimeout
	pc.CircuitBreakerPct = cfg.Portfolio.CircuitBreakerPct
	pc.MaxErrors = cfg.Portfolio.MaxErrors
	if cfg.Portfolio.RebalanceEvery > 0 {
		pc.RebalanceEvery = cfg.Portfolio.RebalanceEvery
	}
	if cfg.Bot.PollInterval > 0 {
		pc.CycleInterval = cfg.Bot.PollInterval
	}

	var coord *portfolio.Coordinator
	deps.Checkpoint = func(ctx context.Context) error {
		if coord == nil {
			return nil
		}
		return coord.Persist(ctx)
	}
	factory := func(symbol string, capital float64) (portfolio.Trader, error) {
		eng, err := engine.New(engineConfig(cfg, symbol, capital, mode, profile), deps)
		if err != nil {
			return nil, fmt.Errorf("движок %s: %w", symbol, err)
		}
		return eng, nil
	}

	var ranker portfolio.Ranker
	if cfg.Portfolio.RankingFile != "" {
		ranker = ranking.NewFile(cfg.Portfolio.RankingFile)
	}

	coord, err := portfolio.New(pc, portfolio.Deps{
		Factory:  factory,
		Ranker:   ranker,
		Store:    st,
		Notifier: sink,
		Metrics:  m,
		Log:      log,
	})
	return coord, err
}

func senders(cfg config.NotifyConfig, log *logger.Logger) []notify.Sender {
	out := []notify.Sender{notify.NewLogSender(log)}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		out = append(out, notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhook != "" {
		out = append(out, notify.NewDiscord(cfg.DiscordWebhook))
	}
	return out
}
