package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	BotToken     string `envconfig:"BOT_TOKEN"`
	SuperAdminID string `envconfig:"SUPER_ADMIN_ID"`

	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDsn    string `envconfig:"DB_DSN" default:"/data/remnabot.db"`

	PanelURL     string        `envconfig:"REMNAWAVE_URL" default:"http://remnawave:3000"`
	PanelAPIKey  string        `envconfig:"REMNAWAVE_API_KEY"`
	PanelTimeout time.Duration `envconfig:"REMNAWAVE_TIMEOUT" default:"10s"`

	// Базовая цена за день на одно устройство
	DailyPrice decimal.Decimal `envconfig:"SUBSCRIPTION_DAILY_PRICE" default:"6"`

	// Время ежедневного списания, формат "HH:MM"
	BillingTime string `envconfig:"DAILY_BILLING_TIME" default:"00:05"`

	WebAPIAddr string `envconfig:"WEBAPI_ADDR" default:"0.0.0.0:8080"`
}

func Load() (*Config, error) {
	// .env опционален, в контейнере переменные приходят из окружения
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}

	if _, _, err := ParseBillingTime(cfg.BillingTime); err != nil {
		return nil, err
	}
	if cfg.DailyPrice.IsNegative() {
		return nil, fmt.Errorf("daily price must not be negative: %s", cfg.DailyPrice)
	}

	return &cfg, nil
}

// ParseBillingTime разбирает время списания вида "00:05"
func ParseBillingTime(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("parse billing time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}
