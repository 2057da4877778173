package rate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Errors
var (
	ErrThrottled    = errors.New("rate: queue full, operation throttled")
	ErrUnknownClass = errors.New("rate: unknown operation class")
)

// Class identifies an independent operation budget.
type Class string

const (
	ClassSubscribe Class = "subscribe"
	ClassSend      Class = "send"
	ClassHTTP      Class = "http"
)

// Budget configures the token bucket for one operation class.
type Budget struct {
	Capacity        int     // Max stored tokens
	RefillPerSecond float64 // Token refill rate
	QueueSize       int     // Max waiters queued when the bucket is empty
}

// DefaultBudgets returns per-class defaults.
func DefaultBudgets() map[Class]Budget {
	return map[Class]Budget{
		ClassSubscribe: {Capacity: 10, RefillPerSecond: 5, QueueSize: 100},
		ClassSend:      {Capacity: 20, RefillPerSecond: 10, QueueSize: 200},
		ClassHTTP:      {Capacity: 10, RefillPerSecond: 2, QueueSize: 50},
	}
}

// DefaultSyncTolerance is the token divergence beyond which Recalibrate
// resyncs the local bucket to the remote-reported value.
const DefaultSyncTolerance = 5.0

// waiter is a queued Admit call.
type waiter struct {
	ready    chan struct{}
	granted  bool
	canceled bool
}

// bucket holds one class budget. All fields are guarded by the Governor mutex.
type bucket struct {
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
	queueSize  int
	waiters    []*waiter
	timerSet   bool
}

// Governor performs token-bucket admission control for outbound operations.
// Each class has an independent budget so a burst in one class cannot starve
// another.
type Governor struct {
	logger        *slog.Logger
	now           func() time.Time
	syncTolerance float64

	mu      sync.Mutex
	buckets map[Class]*bucket
}

// NewGovernor creates a Governor with the given per-class budgets.
func NewGovernor(budgets map[Class]Budget, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	if len(budgets) == 0 {
		budgets = DefaultBudgets()
	}

	g := &Governor{
		logger:        logger,
		now:           time.Now,
		syncTolerance: DefaultSyncTolerance,
		buckets:       make(map[Class]*bucket, len(budgets)),
	}

	for class, b := range budgets {
		cap := float64(b.Capacity)
		if cap < 1 {
			cap = 1
		}
		rate := b.RefillPerSecond
		if rate <= 0 {
			rate = 1
		}
		queue := b.QueueSize
		if queue < 1 {
			queue = 1
		}
		g.buckets[class] = &bucket{
			capacity:   cap,
			tokens:     cap, // Start full
			refillRate: rate,
			lastRefill: g.now(),
			queueSize:  queue,
		}
	}

	return g
}

// Admit blocks until a token is available for the class, FIFO among waiters.
// It returns ErrThrottled immediately when the wait queue is at capacity, and
// the context error if ctx is done before a token is granted.
func (g *Governor) Admit(ctx context.Context, class Class) error {
	g.mu.Lock()
	b, ok := g.buckets[class]
	if !ok {
		g.mu.Unlock()
		return ErrUnknownClass
	}

	b.refill(g.now())

	// Fast path: token available and nobody queued ahead.
	if len(b.waiters) == 0 && b.tokens >= 1 {
		b.tokens--
		g.mu.Unlock()
		return nil
	}

	if len(b.waiters) >= b.queueSize {
		g.mu.Unlock()
		g.logger.Warn("admission queue full", "class", string(class))
		return ErrThrottled
	}

	w := &waiter{ready: make(chan struct{})}
	b.waiters = append(b.waiters, w)
	g.scheduleDrainLocked(class, b)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		defer g.mu.Unlock()
		if w.granted {
			// Token already handed over, keep it.
			return nil
		}
		w.canceled = true
		return ctx.Err()
	}
}

// Recalibrate resyncs a class bucket from remote rate-limit telemetry
// (limit, remaining, resetAt). The refill rate is recomputed so the remaining
// remote budget is spread over the time left until reset; the stored token
// count is resynced only when it diverges from the remote value by more than
// the tolerance.
func (g *Governor) Recalibrate(class Class, limit, remaining int, resetAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.buckets[class]
	if !ok {
		return
	}

	now := g.now()
	b.refill(now)

	if limit > 0 {
		b.capacity = float64(limit)
	}

	if until := resetAt.Sub(now); until > 0 && remaining > 0 {
		b.refillRate = float64(remaining) / until.Seconds()
	}

	diff := b.tokens - float64(remaining)
	if diff < 0 {
		diff = -diff
	}
	if diff > g.syncTolerance {
		g.logger.Debug("resyncing bucket to remote budget",
			"class", string(class),
			"local", b.tokens,
			"remote", remaining,
		)
		b.tokens = float64(remaining)
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}

	g.drainLocked(class, b)
}

// refill credits tokens for elapsed time. Caller holds the governor mutex.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// scheduleDrainLocked arms a timer for when the next whole token accrues.
func (g *Governor) scheduleDrainLocked(class Class, b *bucket) {
	if b.timerSet {
		return
	}

	need := 1 - b.tokens
	if need <= 0 {
		g.drainLocked(class, b)
		return
	}

	wait := time.Duration(need / b.refillRate * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}

	b.timerSet = true
	time.AfterFunc(wait, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		b.timerSet = false
		g.drainLocked(class, b)
	})
}

// drainLocked grants tokens to queued waiters in FIFO order.
func (g *Governor) drainLocked(class Class, b *bucket) {
	b.refill(g.now())

	for len(b.waiters) > 0 {
		w := b.waiters[0]
		if w.canceled {
			b.waiters = b.waiters[1:]
			continue
		}
		if b.tokens < 1 {
			break
		}
		b.tokens--
		w.granted = true
		close(w.ready)
		b.waiters = b.waiters[1:]
	}

	if len(b.waiters) > 0 {
		g.scheduleDrainLocked(class, b)
	}
}

// BudgetStats is a point-in-time view of one class bucket.
type BudgetStats struct {
	Tokens   float64
	Capacity float64
	Queued   int
}

// Stats returns current per-class bucket statistics.
func (g *Governor) Stats() map[Class]BudgetStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[Class]BudgetStats, len(g.buckets))
	for class, b := range g.buckets {
		b.refill(g.now())
		out[class] = BudgetStats{
			Tokens:   b.tokens,
			Capacity: b.capacity,
			Queued:   len(b.waiters),
		}
	}
	return out
}
