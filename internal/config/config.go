// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress             string `env:"RUN_ADDRESS"`
	DatabaseURI            string `env:"DATABASE_URI"`
	PaymentProviderAddress string `env:"PAYMENT_PROVIDER_ADDRESS"`
	PaymentAPIKey          string `env:"PAYMENT_API_KEY"`
	PaymentWebhookSecret   string `env:"PAYMENT_WEBHOOK_SECRET"`
	AuthSecret             string `env:"AUTH_SECRET"`
	AdminToken             string `env:"ADMIN_TOKEN"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envProviderAddress := cfg.PaymentProviderAddress
	envPaymentAPIKey := cfg.PaymentAPIKey
	envWebhookSecret := cfg.PaymentWebhookSecret
	envAuthSecret := cfg.AuthSecret
	envAdminToken := cfg.AdminToken

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PaymentProviderAddress, "p", "", "payment provider address")
	flag.StringVar(&cfg.PaymentAPIKey, "k", "", "payment provider API key")
	flag.StringVar(&cfg.PaymentWebhookSecret, "w", "", "payment webhook signing secret")
	flag.StringVar(&cfg.AuthSecret, "s", "", "auth cookie signing secret")
	flag.StringVar(&cfg.AdminToken, "t", "", "admin API token")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envProviderAddress != "" {
		cfg.PaymentProviderAddress = envProviderAddress
	}
	if envPaymentAPIKey != "" {
		cfg.PaymentAPIKey = envPaymentAPIKey
	}
	if envWebhookSecret != "" {
		cfg.PaymentWebhookSecret = envWebhookSecret
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envAdminToken != "" {
		cfg.AdminToken = envAdminToken
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
