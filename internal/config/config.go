// Package config содержит логику чтения конфигурации сервиса валет-паркинга.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса валет-паркинга.
type Config struct {
	RunAddress     string        `env:"RUN_ADDRESS"`
	DatabaseURI    string        `env:"DATABASE_URI"`
	GatewayAddress string        `env:"GATEWAY_ADDRESS"`
	GatewaySecret  string        `env:"GATEWAY_SECRET"`
	CallbackBase   string        `env:"CALLBACK_BASE_URL"`
	AuthSecret     string        `env:"AUTH_SECRET"`
	PendingTTL     time.Duration `env:"PENDING_TTL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.GatewayAddress
	envGatewaySecret := cfg.GatewaySecret
	envCallbackBase := cfg.CallbackBase
	envPendingTTL := cfg.PendingTTL
	// Нулевая длительность отключает чистку, поэтому наличие переменной
	// проверяется отдельно от её значения.
	_, envPendingTTLSet := os.LookupEnv("PENDING_TTL")

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.StringVar(&cfg.GatewaySecret, "s", "", "payment gateway secret key")
	flag.StringVar(&cfg.CallbackBase, "c", "", "public base URL for gateway callbacks")
	flag.DurationVar(&cfg.PendingTTL, "t", 24*time.Hour, "TTL of unconfirmed package payments")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.GatewayAddress = envGatewayAddress
	}
	if envGatewaySecret != "" {
		cfg.GatewaySecret = envGatewaySecret
	}
	if envCallbackBase != "" {
		cfg.CallbackBase = envCallbackBase
	}
	if envPendingTTLSet {
		cfg.PendingTTL = envPendingTTL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
