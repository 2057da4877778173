package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *ClientConfig) Validate() error {
	if c.Connection.URL == "" {
		return errors.New("connection.url is required")
	}
	u, err := url.Parse(c.Connection.URL)
	if err != nil {
		return fmt.Errorf("connection.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("connection.url scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.Connection.Key == "" {
		return errors.New("connection.key is required")
	}
	if c.Connection.MaxMessageSize < 1024 {
		return fmt.Errorf("connection.max_message_size must be >= 1024, got %d", c.Connection.MaxMessageSize)
	}

	if c.Backoff.BaseDelay <= 0 {
		return errors.New("backoff.base_delay must be > 0")
	}
	if c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		return errors.New("backoff.max_delay must be >= backoff.base_delay")
	}
	if c.Backoff.JitterFraction < 0 || c.Backoff.JitterFraction > 1 {
		return fmt.Errorf("backoff.jitter_fraction must be between 0 and 1, got %g", c.Backoff.JitterFraction)
	}
	if c.Backoff.MaxAttempts < 1 {
		return errors.New("backoff.max_attempts must be >= 1")
	}

	if err := c.Rate.Subscribe.validate("rate.subscribe"); err != nil {
		return err
	}
	if err := c.Rate.Send.validate("rate.send"); err != nil {
		return err
	}
	if err := c.Rate.HTTP.validate("rate.http"); err != nil {
		return err
	}

	if c.Channels.GracePeriod < 0 {
		return errors.New("channels.grace_period must be >= 0")
	}

	if c.Dispatch.AckTimeout <= 0 {
		return errors.New("dispatch.ack_timeout must be > 0")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return errors.New("dispatch.max_attempts must be >= 1")
	}
	if c.Dispatch.HistorySize < 0 {
		return errors.New("dispatch.history_size must be >= 0")
	}
	if c.Dispatch.SendQueueSize < 1 {
		return errors.New("dispatch.send_queue_size must be >= 1")
	}

	if c.Auth.Endpoint != "" && !strings.HasPrefix(c.Auth.Endpoint, "http") {
		return fmt.Errorf("auth.endpoint must be an http(s) URL, got %q", c.Auth.Endpoint)
	}

	return nil
}

func (b *BudgetConfig) validate(prefix string) error {
	if b.Capacity < 1 {
		return fmt.Errorf("%s.capacity must be >= 1", prefix)
	}
	if b.RefillPerSecond <= 0 {
		return fmt.Errorf("%s.refill_per_second must be > 0", prefix)
	}
	if b.QueueSize < 0 {
		return fmt.Errorf("%s.queue_size must be >= 0", prefix)
	}
	return nil
}
