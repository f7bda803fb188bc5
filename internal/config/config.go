package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"regimebot/internal/allocation"
	"regimebot/internal/models"
)

type Config struct {
	Exchange  ExchangeConfig
	Bot       BotConfig
	Risk      RiskConfig
	Portfolio PortfolioConfig
	Store     StoreConfig
	Notify    NotifyConfig
	Metrics   MetricsConfig
	Runtime   RuntimeConfig
}

type ExchangeConfig struct {
	BaseUrl     string
	WSPublicURL string
	AccountType string
	QuoteCoin   string
	ApiKey      string
	Secret      string
}

type BotConfig struct {
	Symbol          string
	Timeframe       models.Timeframe
	Mode            string
	Profile         allocation.ProfileName
	Capital         float64
	TPPercent       float64
	TrailingPercent float64
	DevPercent      float64
	DevMultiplier   float64
	FeePercent      float64
	SlippagePercent float64
	Adaptive        bool
	ATRTiers        bool
	HistoryBars     int
	PollInterval    time.Duration
	UseStream       bool
}

type RiskConfig struct {
	MaxDrawdownPct       float64
	DailyLossPct         float64
	DailyPause           time.Duration
	MaxConsecutiveErrors int
	MarginTTL            time.Duration
	MarginBuffer         float64
}

type PortfolioConfig struct {
	Enabled           bool
	MaxCoins          int
	ReservePct        float64
	MinAllocPct       float64
	MinHold           time.Duration
	ImprovementPct    float64
	WindDownTimeout   time.Duration
	CircuitBreakerPct float64
	MaxErrors         int
	RebalanceEvery    time.Duration
	RankingFile       string
}

type StoreConfig struct {
	Driver        string
	Path          string
	JournalPath   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
	PostgresDSN   string
}

type NotifyConfig struct {
	TelegramToken  string
	TelegramChatID string
	DiscordWebhook string
	QueueSize      int
}

type MetricsConfig struct {
	Enabled bool
	Listen  string
}

type RuntimeConfig struct {
	Log LogConfig
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// Load reads path, or configs/config.* when path is empty. A .env file in
// the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("Не удалось прочитать .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("Не удалось прочитать конфиг: %w", err)
		}
	}

	cfg := &Config{}
	cfg.Exchange = ExchangeConfig{
		BaseUrl:     v.GetString("exchange.base_url"),
		WSPublicURL: v.GetString("exchange.ws_public_url"),
		AccountType: v.GetString("exchange.account_type"),
		QuoteCoin:   v.GetString("exchange.quote_coin"),
		ApiKey:      envSub(v, "exchange.api_key"),
		Secret:      envSub(v, "exchange.secret"),
	}

	cfg.Bot = BotConfig{
		Symbol:          strings.ToUpper(v.GetString("bot.symbol")),
		Timeframe:       models.Timeframe(v.GetString("bot.timeframe")),
		Mode:            strings.ToLower(v.GetString("bot.mode")),
		Profile:         allocation.ProfileName(strings.ToLower(v.GetString("bot.profile"))),
		Capital:         v.GetFloat64("bot.capital"),
		TPPercent:       v.GetFloat64("bot.tp_percent"),
		TrailingPercent: v.GetFloat64("bot.trailing_percent"),
		DevPercent:      v.GetFloat64("bot.dev_percent"),
		DevMultiplier:   v.GetFloat64("bot.dev_multiplier"),
		FeePercent:      v.GetFloat64("bot.fee_percent"),
		SlippagePercent: v.GetFloat64("bot.slippage_percent"),
		Adaptive:        v.GetBool("bot.adaptive"),
		ATRTiers:        v.GetBool("bot.atr_tiers"),
		HistoryBars:     v.GetInt("bot.history_bars"),
		PollInterval:    v.GetDuration("bot.poll_interval"),
		UseStream:       v.GetBool("bot.use_stream"),
	}

	cfg.Risk = RiskConfig{
		MaxDrawdownPct:       v.GetFloat64("risk.max_drawdown_pct"),
		DailyLossPct:         v.GetFloat64("risk.daily_loss_pct"),
		DailyPause:           v.GetDuration("risk.daily_pause"),
		MaxConsecutiveErrors: v.GetInt("risk.max_consecutive_errors"),
		MarginTTL:            v.GetDuration("risk.margin_ttl"),
		MarginBuffer:         v.GetFloat64("risk.margin_buffer"),
	}

	cfg.Portfolio = PortfolioConfig{
		Enabled:           v.GetBool("portfolio.enabled"),
		MaxCoins:          v.GetInt("portfolio.max_coins"),
		ReservePct:        v.GetFloat64("portfolio.reserve_pct"),
		MinAllocPct:       v.GetFloat64("portfolio.min_alloc_pct"),
		MinHold:           v.GetDuration("portfolio.min_hold"),
		ImprovementPct:    v.GetFloat64("portfolio.improvement_pct"),
		WindDownTimeout:   v.GetDuration("portfolio.wind_down_timeout"),
		CircuitBreakerPct: v.GetFloat64("portfolio.circuit_breaker_pct"),
		MaxErrors:         v.GetInt("portfolio.max_errors"),
		RebalanceEvery:    v.GetDuration("portfolio.rebalance_every"),
		RankingFile:       v.GetString("portfolio.ranking_file"),
	}

	cfg.Store = StoreConfig{
		Driver:        strings.ToLower(v.GetString("store.driver")),
		Path:          v.GetString("store.path"),
		JournalPath:   v.GetString("store.journal_path"),
		RedisAddr:     v.GetString("store.redis.addr"),
		RedisPassword: envSub(v, "store.redis.password"),
		RedisDB:       v.GetInt("store.redis.db"),
		RedisTTL:      v.GetDuration("store.redis.ttl"),
		PostgresDSN:   envSub(v, "store.postgres.dsn"),
	}

	cfg.Notify = NotifyConfig{
		TelegramToken:  envSub(v, "notify.telegram.token"),
		TelegramChatID: envSub(v, "notify.telegram.chat_id"),
		DiscordWebhook: envSub(v, "notify.discord.webhook"),
		QueueSize:      v.GetInt("notify.queue_size"),
	}

	cfg.Metrics = MetricsConfig{
		Enabled: v.GetBool("metrics.enabled"),
		Listen:  v.GetString("metrics.listen"),
	}

	cfg.Runtime = RuntimeConfig{
		Log: LogConfig{
			Level:      v.GetString("runtime.log.level"),
			Format:     v.GetString("runtime.log.format"),
			File:       v.GetString("runtime.log.file"),
			MaxSize:    v.GetInt("runtime.log.max_size"),
			MaxBackups: v.GetInt("runtime.log.max_backups"),
			MaxAge:     v.GetInt("runtime.log.max_age"),
			Compress:   v.GetBool("runtime.log.compress"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.base_url", "https://api.bybit.com")
	v.SetDefault("exchange.ws_public_url", "wss://stream.bybit.com/v5/public/linear")
	v.SetDefault("exchange.account_type", "UNIFIED")
	v.SetDefault("exchange.quote_coin", "USDT")

	v.SetDefault("bot.timeframe", "15m")
	v.SetDefault("bot.mode", "paper")
	v.SetDefault("bot.profile", "medium")
	v.SetDefault("bot.capital", 1000.0)
	v.SetDefault("bot.tp_percent", 1.5)
	v.SetDefault("bot.dev_percent", 2.5)
	v.SetDefault("bot.dev_multiplier", 1.0)
	v.SetDefault("bot.fee_percent", 0.055)
	v.SetDefault("bot.slippage_percent", 0.05)
	v.SetDefault("bot.adaptive", true)
	v.SetDefault("bot.history_bars", 300)
	v.SetDefault("bot.poll_interval", "0s")

	v.SetDefault("risk.max_drawdown_pct", 25.0)
	v.SetDefault("risk.daily_loss_pct", 15.0)
	v.SetDefault("risk.daily_pause", "24h")
	v.SetDefault("risk.max_consecutive_errors", 3)
	v.SetDefault("risk.margin_ttl", "25s")
	v.SetDefault("risk.margin_buffer", 1.2)

	v.SetDefault("portfolio.max_coins", 3)
	v.SetDefault("portfolio.reserve_pct", 10.0)
	v.SetDefault("portfolio.min_alloc_pct", 15.0)
	v.SetDefault("portfolio.min_hold", "4h")
	v.SetDefault("portfolio.improvement_pct", 20.0)
	v.SetDefault("portfolio.wind_down_timeout", "2h")
	v.SetDefault("portfolio.circuit_breaker_pct", 25.0)
	v.SetDefault("portfolio.max_errors", 3)
	v.SetDefault("portfolio.rebalance_every", "4h")
	v.SetDefault("portfolio.ranking_file", "configs/ranking.yaml")

	v.SetDefault("store.driver", "file")
	v.SetDefault("store.path", "state")
	v.SetDefault("store.journal_path", "state/deals.jsonl")
	v.SetDefault("store.redis.ttl", "168h")

	v.SetDefault("notify.queue_size", 100)
	v.SetDefault("metrics.listen", ":9102")

	v.SetDefault("runtime.log.level", "info")
	v.SetDefault("runtime.log.max_size", 50)
	v.SetDefault("runtime.log.max_backups", 5)
	v.SetDefault("runtime.log.max_age", 14)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Bot.Symbol == "" && !c.Portfolio.Enabled {
		errs = append(errs, errors.New("bot.symbol не задан"))
	}
	if _, err := c.Bot.Timeframe.Duration(); err != nil {
		errs = append(errs, err)
	}
	switch c.Bot.Mode {
	case "backtest", "paper", "live":
	default:
		errs = append(errs, fmt.Errorf("bot.mode: неизвестный режим %q", c.Bot.Mode))
	}
	if _, err := allocation.ProfileByName(string(c.Bot.Profile)); err != nil {
		errs = append(errs, err)
	}
	if c.Bot.Capital <= 0 {
		errs = append(errs, fmt.Errorf("bot.capital должен быть > 0: %v", c.Bot.Capital))
	}
	if c.Bot.Mode == "live" && (c.Exchange.ApiKey == "" || c.Exchange.Secret == "") {
		errs = append(errs, errors.New("для live режима нужны exchange.api_key и exchange.secret"))
	}
	switch c.Store.Driver {
	case "file", "redis", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver: неизвестный драйвер %q", c.Store.Driver))
	}
	return errors.Join(errs...)
}

func envSub(v *viper.Viper, key string) string {
	val := v.GetString(key)
	if val == "" {
		return ""
	}
	return envPattern.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
