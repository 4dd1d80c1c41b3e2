// Package config содержит логику чтения конфигурации биллингового сервиса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации биллингового сервиса.
type Config struct {
	RunAddress              string        `env:"RUN_ADDRESS"`
	DatabaseURI             string        `env:"DATABASE_URI"`
	SettlementSystemAddress string        `env:"SETTLEMENT_SYSTEM_ADDRESS"`
	AdminToken              string        `env:"ADMIN_TOKEN"`
	ReconcileInterval       time.Duration `env:"RECONCILE_INTERVAL"`
	ReconcileAge            time.Duration `env:"RECONCILE_AGE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envSettlementAddress := cfg.SettlementSystemAddress
	envAdminToken := cfg.AdminToken
	envReconcileInterval := cfg.ReconcileInterval
	envReconcileAge := cfg.ReconcileAge

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.SettlementSystemAddress, "s", "", "settlement system address")
	flag.StringVar(&cfg.AdminToken, "t", "", "admin API token")
	flag.DurationVar(&cfg.ReconcileInterval, "i", 5*time.Second, "reconciliation sweep interval")
	flag.DurationVar(&cfg.ReconcileAge, "g", 30*time.Second, "minimum age of pending usages for reconciliation")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envSettlementAddress != "" {
		cfg.SettlementSystemAddress = envSettlementAddress
	}
	if envAdminToken != "" {
		cfg.AdminToken = envAdminToken
	}
	if envReconcileInterval > 0 {
		cfg.ReconcileInterval = envReconcileInterval
	}
	if envReconcileAge > 0 {
		cfg.ReconcileAge = envReconcileAge
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
