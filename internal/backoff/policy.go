package backoff

import (
	"math/rand/v2"
	"time"
)

// Config holds backoff policy settings.
type Config struct {
	BaseDelay      time.Duration // First retry delay
	MaxDelay       time.Duration // Upper bound for any delay
	JitterFraction float64       // 0.25 means +/-25% around the exponential value
	MaxAttempts    int           // Attempts before the caller should give up
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:      1 * time.Second,
		MaxDelay:       60 * time.Second,
		JitterFraction: 0.25,
		MaxAttempts:    8,
	}
}

// Policy maps an attempt count to a retry delay with jitter.
type Policy struct {
	cfg Config
	rng *rand.Rand
}

// New creates a policy with a time-seeded jitter source.
func New(cfg Config) *Policy {
	seed := uint64(time.Now().UnixNano())
	return NewSeeded(cfg, seed)
}

// NewSeeded creates a policy with a fixed jitter seed.
// Two policies with the same config and seed produce identical delays.
func NewSeeded(cfg Config, seed uint64) *Policy {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}

	return &Policy{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(seed, seed)),
	}
}

// Delay returns the wait before retry number attempt (0-based).
// The exponential value is capped at MaxDelay before jitter is applied.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := p.cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.MaxDelay {
			d = p.cfg.MaxDelay
			break
		}
	}

	if p.cfg.JitterFraction > 0 {
		// Uniform in [-jitter, +jitter]
		f := p.cfg.JitterFraction * (2*p.rng.Float64() - 1)
		d = d + time.Duration(float64(d)*f)
	}

	if d < 0 {
		d = 0
	}
	return d
}

// MaxAttempts returns the configured attempt limit.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}
