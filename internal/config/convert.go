package config

import (
	"github.com/l4z41/ibkr-connector/internal/action"
	"github.com/l4z41/ibkr-connector/internal/gateway"
	"github.com/l4z41/ibkr-connector/internal/journal"
	"github.com/l4z41/ibkr-connector/internal/model"
	"github.com/l4z41/ibkr-connector/internal/order"
	"github.com/l4z41/ibkr-connector/internal/trigger"
)

// GatewayConfig builds the shared connection settings.
func (c *Config) GatewayConfig() gateway.Config {
	autoReconnect := true
	if c.Connection.AutoReconnect != nil {
		autoReconnect = *c.Connection.AutoReconnect
	}
	return gateway.Config{
		Host:              c.Gateway.Host,
		Port:              c.Gateway.Port,
		Path:              c.Gateway.Path,
		ConnectTimeout:    c.Gateway.ConnectTimeout,
		ReconnectInterval: c.Connection.ReconnectInterval,
		WatchdogInterval:  c.Connection.WatchdogInterval,
		RequestTimeout:    c.Connection.RequestTimeout,
		WriteTimeout:      c.Connection.WriteTimeout,
		BufferSize:        c.Connection.BufferSize,
		RequestsPerSecond: c.Connection.RequestsPerSecond,
		AutoReconnect:     autoReconnect,
	}
}

// OrderConfig builds the order gateway settle delays.
func (c *Config) OrderConfig() order.Config {
	return order.Config{
		PlaceSettle:  c.Orders.PlaceSettle,
		CancelSettle: c.Orders.CancelSettle,
	}
}

// ActionConfig builds the one-shot executor settings.
func (c *Config) ActionConfig() action.Config {
	return action.Config{
		ClientID:           c.Gateway.ClientID,
		CollectFor:         c.Session.CollectFor,
		SettleAfterConnect: c.Session.SettleAfterConnect,
		Orders:             c.OrderConfig(),
	}
}

// TriggerConfig builds the streaming trigger settings. Call Validate first;
// an unknown trigger_on value falls back to all.
func (c *Config) TriggerConfig() trigger.Config {
	policy, err := trigger.ParsePolicy(c.Trigger.TriggerOn)
	if err != nil {
		policy = trigger.PolicyAll
	}
	cfg := trigger.DefaultConfig()
	cfg.Contract = model.Contract{
		Symbol:   c.Trigger.Symbol,
		SecType:  model.SecType(c.Trigger.SecType),
		Exchange: c.Trigger.Exchange,
		Currency: c.Trigger.Currency,
	}.WithDefaults()
	cfg.TriggerOn = policy
	cfg.MinPriceChange = c.Trigger.MinPriceChange
	cfg.UpdateInterval = c.Trigger.UpdateInterval
	cfg.Snapshot = c.Trigger.Snapshot
	cfg.RegulatorySnapshot = c.Trigger.RegulatorySnapshot
	cfg.ClientID = c.Gateway.ClientID
	cfg.ConnectTimeout = c.Gateway.ConnectTimeout
	return cfg
}

// WriterConfig builds the Postgres journal writer settings.
func (c *Config) WriterConfig() journal.WriterConfig {
	cfg := journal.DefaultWriterConfig()
	cfg.BatchSize = c.Journal.Postgres.BatchSize
	cfg.FlushInterval = c.Journal.Postgres.FlushInterval
	return cfg
}

// KafkaConfig builds the Kafka publisher settings.
func (c *Config) KafkaConfig() journal.KafkaConfig {
	return journal.KafkaConfig{
		Brokers:      c.Journal.Kafka.Brokers,
		Topic:        c.Journal.Kafka.Topic,
		BatchTimeout: c.Journal.Kafka.BatchTimeout,
	}
}

// RedisConfig builds the Redis publisher settings.
func (c *Config) RedisConfig() journal.RedisConfig {
	r := c.Journal.Redis
	return journal.RedisConfig{
		Addr:      r.Addr,
		Password:  r.Password,
		DB:        r.DB,
		Channel:   r.Channel,
		KeyPrefix: r.KeyPrefix,
		TTL:       r.TTL,
	}
}
