package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"regimebot/internal/allocation"
	"regimebot/internal/config"
	"regimebot/internal/engine"
	"regimebot/internal/exchange/bybit/rest"
	"regimebot/internal/logger"
	"regimebot/internal/models"
	"regimebot/internal/store"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "путь к файлу конфигурации")
	csvPath := pflag.String("csv", "", "CSV со свечами: time,open,high,low,close,volume")
	fetch := pflag.Int("fetch", 0, "загрузить N последних свечей с биржи вместо CSV")
	profileName := pflag.String("profile", "", "профиль риска (low|medium|high)")
	out := pflag.StringP("out", "o", "", "файл для результата в JSON")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logger.New(logger.Config{
		Level:  cfg.Runtime.Log.Level,
		Format: cfg.Runtime.Log.Format,
		Output: cfg.Runtime.Log.File,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *profileName != "" {
		cfg.Bot.Profile = allocation.ProfileName(*profileName)
	}
	res, err := run(ctx, cfg, log, *csvPath, *fetch)
	if err != nil {
		log.WithError(err).Fatal("Бэктест завершился с ошибкой.")
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		log.WithError(err).Fatal("Не удалось сериализовать результат.")
	}
	if *out == "" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		log.WithError(err).Fatal("Не удалось записать результат.")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger, csvPath string, fetch int) (engine.Result, error) {
	profile, err := allocation.ProfileByName(string(cfg.Bot.Profile))
	if err != nil {
		return engine.Result{}, err
	}

	var bars []models.Bar
	switch {
	case csvPath != "":
		if bars, err = readBarsFile(csvPath); err != nil {
			return engine.Result{}, err
		}
	case fetch > 0:
		client := rest.New(cfg.Exchange.BaseUrl, "", "", cfg.Exchange.AccountType, log)
		if bars, err = client.GetBars(ctx, cfg.Bot.Symbol, cfg.Bot.Timeframe, fetch); err != nil {
			return engine.Result{}, err
		}
	default:
		return engine.Result{}, fmt.Errorf("нужен --csv или --fetch")
	}

	ec := engine.DefaultConfig(cfg.Bot.Symbol, cfg.Bot.Timeframe, profile)
	ec.Mode = engine.ModeBacktest
	ec.Capital = cfg.Bot.Capital
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

	var journal *store.Journal
	if cfg.Store.JournalPath != "" {
		if journal, err = store.NewJournal(cfg.Store.JournalPath); err != nil {
			return engine.Result{}, err
		}
	}

	eng, err := engine.New(ec, engine.Deps{Journal: journal, Log: log})
	if err != nil {
		return engine.Result{}, err
	}
	return eng.Backtest(ctx, bars)
}
