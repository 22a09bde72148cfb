package config

import "time"

// Config is the root configuration for the connector.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Connection ConnectionConfig `yaml:"connection"`
	Session    SessionConfig    `yaml:"session"`
	Orders     OrdersConfig     `yaml:"orders"`
	Trigger    TriggerConfig    `yaml:"trigger"`
	Journal    JournalConfig    `yaml:"journal"`
	Status     StatusConfig     `yaml:"status"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// GatewayConfig identifies the gateway bridge and the API client.
type GatewayConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Path           string        `yaml:"path"`
	ClientID       int           `yaml:"client_id"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ConnectionConfig tunes the shared connection.
type ConnectionConfig struct {
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	WatchdogInterval  time.Duration `yaml:"watchdog_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	BufferSize        int           `yaml:"buffer_size"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	AutoReconnect     *bool         `yaml:"auto_reconnect"` // nil means true
}

// SessionConfig holds one-shot collection timings.
type SessionConfig struct {
	CollectFor         time.Duration `yaml:"collect_for"`
	SettleAfterConnect time.Duration `yaml:"settle_after_connect"`
}

// OrdersConfig holds the order settle delays.
type OrdersConfig struct {
	PlaceSettle  time.Duration `yaml:"place_settle"`
	CancelSettle time.Duration `yaml:"cancel_settle"`
}

// TriggerConfig configures the watch daemon's streaming trigger.
type TriggerConfig struct {
	Symbol             string        `yaml:"symbol"`
	SecType            string        `yaml:"sec_type"`
	Exchange           string        `yaml:"exchange"`
	Currency           string        `yaml:"currency"`
	TriggerOn          string        `yaml:"trigger_on"`
	MinPriceChange     float64       `yaml:"min_price_change"`
	UpdateInterval     time.Duration `yaml:"update_interval"`
	Snapshot           bool          `yaml:"snapshot"`
	RegulatorySnapshot bool          `yaml:"regulatory_snapshot"`
}

// JournalConfig selects where trigger emissions go. Every enabled sink
// receives every emission.
type JournalConfig struct {
	Postgres PostgresSinkConfig `yaml:"postgres"`
	SQLite   SQLiteSinkConfig   `yaml:"sqlite"`
	Kafka    KafkaSinkConfig    `yaml:"kafka"`
	Redis    RedisSinkConfig    `yaml:"redis"`
}

// PostgresSinkConfig configures the batched Postgres writer.
type PostgresSinkConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DB            DBConfig      `yaml:"db"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	CreateSchema  bool          `yaml:"create_schema"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// SQLiteSinkConfig configures the local journal.
type SQLiteSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// KafkaSinkConfig configures the Kafka publisher.
type KafkaSinkConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// RedisSinkConfig configures the Redis publisher.
type RedisSinkConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Channel   string        `yaml:"channel"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// StatusConfig configures the watch daemon's HTTP status API.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}
