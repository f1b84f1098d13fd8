// Package config содержит логику чтения конфигурации движка скидок.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"
	_ "time/tzdata" // база часовых поясов для контейнеров без zoneinfo

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress = "localhost:8080"
	defaultTimezone   = "Asia/Vladivostok"
)

// Config содержит параметры конфигурации движка скидок.
type Config struct {
	RunAddress     string        `env:"RUN_ADDRESS"`
	DatabaseURI    string        `env:"DATABASE_URI"`
	Timezone       string        `env:"TIMEZONE"`
	ExpireInterval time.Duration `env:"EXPIRE_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envTimezone := cfg.Timezone
	envExpireInterval := cfg.ExpireInterval
	_, expireIntervalSet := os.LookupEnv("EXPIRE_INTERVAL")

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.Timezone, "tz", defaultTimezone, "timezone for calendar recurrence and age calculation")
	flag.DurationVar(&cfg.ExpireInterval, "e", 0, "interval of the built-in expiration sweep, 0 disables it")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envTimezone != "" {
		cfg.Timezone = envTimezone
	}
	if expireIntervalSet {
		cfg.ExpireInterval = envExpireInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.Timezone == "" {
		cfg.Timezone = defaultTimezone
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURI == "" {
		return errors.New("database URI is required: set DATABASE_URI or -d")
	}
	if c.ExpireInterval < 0 {
		return errors.New("expire interval must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location возвращает часовой пояс из конфигурации.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
