package snapshot

import (
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type config struct {
	advanceInterval time.Duration
	logger          *slog.Logger
	registerer      prometheus.Registerer
}

func defaultConfig() config {
	return config{
		advanceInterval: 5 * time.Second,
		logger:          slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
}

// Option — функциональная опция для Engine.
type Option func(*config)

// WithAdvanceInterval устанавливает интервал фонового продвижения
// глобального снапшота (и, как следствие, сборки старых записей).
// Ноль отключает фоновую горутину.
func WithAdvanceInterval(d time.Duration) Option {
	return func(c *config) { c.advanceInterval = d }
}

// WithLogger устанавливает кастомный slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithRegisterer регистрирует метрики движка в указанном реестре.
// Без этой опции метрики считаются, но никуда не экспортируются.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.registerer = reg }
}
