package store

import (
	"context"
	"fmt"

	"regimebot/internal/config"
)

// Open builds the configured snapshot store. The returned func releases
// its connections.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, func(), error) {
	switch cfg.Driver {
	case "", "file":
		f, err := NewFile(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return f, func() {}, nil
	case "redis":
		r := NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		if err := r.Ping(ctx); err != nil {
			r.Close()
			return nil, nil, fmt.Errorf("Redis недоступен: %w", err)
		}
		return r, func() { _ = r.Close() }, nil
	case "postgres":
		p, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	}
	return nil, nil, fmt.Errorf("Неизвестный драйвер хранилища: %q", cfg.Driver)
}
