package config

import "time"

// ClientConfig is the root configuration for a realtime client instance.
type ClientConfig struct {
	Connection ConnectionConfig `yaml:"connection"`
	Backoff    BackoffConfig    `yaml:"backoff"`
	Rate       RateConfig       `yaml:"rate"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Auth       AuthConfig       `yaml:"auth"`
}

// ConnectionConfig holds transport session settings.
type ConnectionConfig struct {
	URL             string        `yaml:"url"`
	Key             string        `yaml:"key"` // Application key sent on connect
	PingInterval    time.Duration `yaml:"ping_interval"`
	PingTimeout     time.Duration `yaml:"ping_timeout"` // Idle time before the session is declared stale
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`     // WebSocket handshake deadline
	MaxMessageSize  int64         `yaml:"max_message_size"` // Inbound read limit in bytes
	FrameBufferSize int           `yaml:"frame_buffer_size"`
}

// BackoffConfig holds reconnect and retry pacing.
type BackoffConfig struct {
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	JitterFraction float64       `yaml:"jitter_fraction"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// RateConfig holds per-class token bucket budgets.
type RateConfig struct {
	Subscribe BudgetConfig `yaml:"subscribe"`
	Send      BudgetConfig `yaml:"send"`
	HTTP      BudgetConfig `yaml:"http"`
}

// BudgetConfig describes one token bucket.
type BudgetConfig struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
	QueueSize       int     `yaml:"queue_size"`
}

// ChannelsConfig holds channel registry settings.
type ChannelsConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"` // Teardown delay after the last consumer leaves
}

// DispatchConfig holds outbound delivery settings.
type DispatchConfig struct {
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	HistorySize   int           `yaml:"history_size"`
	SendQueueSize int           `yaml:"send_queue_size"` // Sends held while disconnected
}

// AuthConfig holds the channel authorization endpoint.
type AuthConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}
