package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultPingInterval    = 15 * time.Second
	DefaultPingTimeout     = 60 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
	DefaultDialTimeout     = 10 * time.Second
	DefaultMaxMessageSize  = 1 << 20
	DefaultFrameBufferSize = 4096

	DefaultBackoffBaseDelay   = 1 * time.Second
	DefaultBackoffMaxDelay    = 60 * time.Second
	DefaultJitterFraction     = 0.25
	DefaultBackoffMaxAttempts = 8

	DefaultSubscribeCapacity = 10
	DefaultSubscribeRefill   = 5.0
	DefaultSubscribeQueue    = 100
	DefaultSendCapacity      = 20
	DefaultSendRefill        = 10.0
	DefaultSendQueue         = 200
	DefaultHTTPCapacity      = 10
	DefaultHTTPRefill        = 2.0
	DefaultHTTPQueue         = 50

	DefaultGracePeriod = 300 * time.Millisecond

	DefaultAckTimeout      = 5 * time.Second
	DefaultSendMaxAttempts = 3
	DefaultSendQueueSize   = 256
	DefaultAuthTimeout     = 10 * time.Second
)

func (c *ClientConfig) applyDefaults() {
	// Connection defaults
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.PingTimeout == 0 {
		c.Connection.PingTimeout = DefaultPingTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.ConnectTimeout == 0 {
		c.Connection.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Connection.DialTimeout == 0 {
		c.Connection.DialTimeout = DefaultDialTimeout
	}
	if c.Connection.MaxMessageSize == 0 {
		c.Connection.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Connection.FrameBufferSize == 0 {
		c.Connection.FrameBufferSize = DefaultFrameBufferSize
	}

	// Backoff defaults
	if c.Backoff.BaseDelay == 0 {
		c.Backoff.BaseDelay = DefaultBackoffBaseDelay
	}
	if c.Backoff.MaxDelay == 0 {
		c.Backoff.MaxDelay = DefaultBackoffMaxDelay
	}
	if c.Backoff.JitterFraction == 0 {
		c.Backoff.JitterFraction = DefaultJitterFraction
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff.MaxAttempts = DefaultBackoffMaxAttempts
	}

	// Rate budgets
	applyBudgetDefaults(&c.Rate.Subscribe, DefaultSubscribeCapacity, DefaultSubscribeRefill, DefaultSubscribeQueue)
	applyBudgetDefaults(&c.Rate.Send, DefaultSendCapacity, DefaultSendRefill, DefaultSendQueue)
	applyBudgetDefaults(&c.Rate.HTTP, DefaultHTTPCapacity, DefaultHTTPRefill, DefaultHTTPQueue)

	// Channel defaults
	if c.Channels.GracePeriod == 0 {
		c.Channels.GracePeriod = DefaultGracePeriod
	}

	// Dispatch defaults
	if c.Dispatch.AckTimeout == 0 {
		c.Dispatch.AckTimeout = DefaultAckTimeout
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = DefaultSendMaxAttempts
	}
	if c.Dispatch.SendQueueSize == 0 {
		c.Dispatch.SendQueueSize = DefaultSendQueueSize
	}

	// Auth defaults
	if c.Auth.Timeout == 0 {
		c.Auth.Timeout = DefaultAuthTimeout
	}
}

func applyBudgetDefaults(b *BudgetConfig, capacity int, refill float64, queue int) {
	if b.Capacity == 0 {
		b.Capacity = capacity
	}
	if b.RefillPerSecond == 0 {
		b.RefillPerSecond = refill
	}
	if b.QueueSize == 0 {
		b.QueueSize = queue
	}
}
