package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/l4z41/ibkr-connector/internal/trigger"
)

// Validate checks that all required fields are set and values are valid.
// It does not require a trigger symbol; watch-only fields are checked by
// ValidateWatch.
func (c *Config) Validate() error {
	if c.Gateway.Host == "" {
		return errors.New("gateway.host is required")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}
	if c.Gateway.ClientID < 0 {
		return fmt.Errorf("gateway.client_id must be >= 0, got %d", c.Gateway.ClientID)
	}
	if c.Gateway.ConnectTimeout <= 0 {
		return errors.New("gateway.connect_timeout must be > 0")
	}

	if c.Connection.ReconnectInterval <= 0 {
		return errors.New("connection.reconnect_interval must be > 0")
	}
	if c.Connection.WatchdogInterval < 0 {
		return errors.New("connection.watchdog_interval must be >= 0")
	}
	if c.Connection.BufferSize < 1 {
		return errors.New("connection.buffer_size must be >= 1")
	}
	if c.Connection.RequestsPerSecond < 0 {
		return errors.New("connection.requests_per_second must be >= 0")
	}

	if c.Session.CollectFor <= 0 {
		return errors.New("session.collect_for must be > 0")
	}
	if c.Orders.PlaceSettle < 0 || c.Orders.CancelSettle < 0 {
		return errors.New("orders settle delays must be >= 0")
	}

	if _, err := trigger.ParsePolicy(c.Trigger.TriggerOn); err != nil {
		return fmt.Errorf("trigger.trigger_on: %w", err)
	}
	if c.Trigger.MinPriceChange < 0 {
		return errors.New("trigger.min_price_change must be >= 0")
	}
	if c.Trigger.UpdateInterval <= 0 {
		return errors.New("trigger.update_interval must be > 0")
	}

	if err := c.Journal.validate(); err != nil {
		return err
	}

	if c.Status.Enabled {
		if _, _, err := net.SplitHostPort(c.Status.Addr); err != nil {
			return fmt.Errorf("status.addr: %w", err)
		}
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// ValidateWatch additionally checks the fields the watch daemon needs.
func (c *Config) ValidateWatch() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Trigger.Symbol == "" {
		return errors.New("trigger.symbol is required")
	}
	return nil
}

func (j *JournalConfig) validate() error {
	if j.Postgres.Enabled {
		if err := j.Postgres.DB.validate("journal.postgres.db"); err != nil {
			return err
		}
		if j.Postgres.BatchSize < 1 {
			return errors.New("journal.postgres.batch_size must be >= 1")
		}
	}
	if j.SQLite.Enabled && j.SQLite.Path == "" {
		return errors.New("journal.sqlite.path is required")
	}
	if j.Kafka.Enabled {
		if len(j.Kafka.Brokers) == 0 {
			return errors.New("journal.kafka.brokers is required")
		}
		if j.Kafka.Topic == "" {
			return errors.New("journal.kafka.topic is required")
		}
	}
	if j.Redis.Enabled && j.Redis.Addr == "" {
		return errors.New("journal.redis.addr is required")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

// ParseLevel maps a logging.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", s)
}
