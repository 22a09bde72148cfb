package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 7497
	DefaultPath               = "/"
	DefaultConnectTimeout     = 10 * time.Second
	DefaultReconnectInterval  = 5 * time.Second
	DefaultWatchdogInterval   = 10 * time.Second
	DefaultRequestTimeout     = 10 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultBufferSize         = 1024
	DefaultRequestsPerSecond  = 50
	DefaultCollectFor         = 5 * time.Second
	DefaultSettleAfterConnect = 2 * time.Second
	DefaultPlaceSettle        = 2 * time.Second
	DefaultCancelSettle       = 1 * time.Second
	DefaultTriggerOn          = "all"
	DefaultUpdateInterval     = 10 * time.Second
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultBatchSize          = 100
	DefaultFlushInterval      = 1 * time.Second
	DefaultSQLitePath         = "ibkr-journal.db"
	DefaultKafkaTopic         = "ibkr.emissions"
	DefaultRedisChannel       = "ibkr:emissions"
	DefaultStatusAddr         = "127.0.0.1:8089"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

func (c *Config) applyDefaults() {
	// Gateway defaults
	if c.Gateway.Host == "" {
		c.Gateway.Host = DefaultHost
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = DefaultPort
	}
	if c.Gateway.Path == "" {
		c.Gateway.Path = DefaultPath
	}
	if c.Gateway.ConnectTimeout == 0 {
		c.Gateway.ConnectTimeout = DefaultConnectTimeout
	}

	// Connection defaults
	if c.Connection.ReconnectInterval == 0 {
		c.Connection.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Connection.WatchdogInterval == 0 {
		c.Connection.WatchdogInterval = DefaultWatchdogInterval
	}
	if c.Connection.RequestTimeout == 0 {
		c.Connection.RequestTimeout = DefaultRequestTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultBufferSize
	}
	if c.Connection.RequestsPerSecond == 0 {
		c.Connection.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.Connection.AutoReconnect == nil {
		on := true
		c.Connection.AutoReconnect = &on
	}

	// Session and order defaults
	if c.Session.CollectFor == 0 {
		c.Session.CollectFor = DefaultCollectFor
	}
	if c.Session.SettleAfterConnect == 0 {
		c.Session.SettleAfterConnect = DefaultSettleAfterConnect
	}
	if c.Orders.PlaceSettle == 0 {
		c.Orders.PlaceSettle = DefaultPlaceSettle
	}
	if c.Orders.CancelSettle == 0 {
		c.Orders.CancelSettle = DefaultCancelSettle
	}

	// Trigger defaults
	if c.Trigger.TriggerOn == "" {
		c.Trigger.TriggerOn = DefaultTriggerOn
	}
	if c.Trigger.UpdateInterval == 0 {
		c.Trigger.UpdateInterval = DefaultUpdateInterval
	}

	// Journal defaults
	applyDBDefaults(&c.Journal.Postgres.DB)
	if c.Journal.Postgres.BatchSize == 0 {
		c.Journal.Postgres.BatchSize = DefaultBatchSize
	}
	if c.Journal.Postgres.FlushInterval == 0 {
		c.Journal.Postgres.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.SQLite.Path == "" {
		c.Journal.SQLite.Path = DefaultSQLitePath
	}
	if c.Journal.Kafka.Topic == "" {
		c.Journal.Kafka.Topic = DefaultKafkaTopic
	}
	if c.Journal.Redis.Channel == "" {
		c.Journal.Redis.Channel = DefaultRedisChannel
	}

	// Status and logging defaults
	if c.Status.Addr == "" {
		c.Status.Addr = DefaultStatusAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
