package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mstrand/realtime-core/internal/backoff"
	"github.com/mstrand/realtime-core/internal/connection"
	"github.com/mstrand/realtime-core/internal/presence"
	"github.com/mstrand/realtime-core/internal/rate"
	"github.com/mstrand/realtime-core/internal/registry"
)

// ErrDeliveryFailed means no ack arrived within the attempt budget.
var ErrDeliveryFailed = errors.New("dispatch: delivery failed after max attempts")

// Config holds Message Dispatcher configuration.
type Config struct {
	AckTimeout    time.Duration // Default per-message ack timeout
	MaxAttempts   int           // Default attempt budget for acked sends
	HistorySize   int           // Per-channel in-memory event ring; 0 disables
	SendQueueSize int           // Max fire-and-forget sends held while disconnected
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:    5 * time.Second,
		MaxAttempts:   3,
		HistorySize:   0,
		SendQueueSize: 256,
	}
}

// SendOptions tunes one Send call. Zero values fall back to the dispatcher
// defaults.
type SendOptions struct {
	RequireAck  bool
	AckTimeout  time.Duration
	MaxAttempts int
}

// Dispatcher owns outbound publishing and the inbound fan-out loop. Outbound
// messages transfer ownership to the dispatcher at send time; it is the sole
// mutator of attempt state.
type Dispatcher struct {
	cfg    Config
	conn   *connection.Manager
	gov    *rate.Governor
	policy *backoff.Policy
	reg    *registry.Registry
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan struct{}
	queued  []connection.Frame // fire-and-forget sends awaiting a session
	history map[string][]registry.Event

	removeListener func()
}

// New creates a Message Dispatcher layered on the registry.
func New(cfg Config, conn *connection.Manager, gov *rate.Governor, policy *backoff.Policy, reg *registry.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}

	d := &Dispatcher{
		cfg:     cfg,
		conn:    conn,
		gov:     gov,
		policy:  policy,
		reg:     reg,
		logger:  logger,
		pending: make(map[string]chan struct{}),
		history: make(map[string][]registry.Event),
	}

	d.removeListener = conn.OnStateChange(func(c connection.StateChange) {
		if c.To == connection.StateConnected {
			go d.flushQueued()
		}
	})

	return d
}

// Close detaches the dispatcher from the connection manager. Queued sends
// are dropped.
func (d *Dispatcher) Close() {
	if d.removeListener != nil {
		d.removeListener()
	}
	d.mu.Lock()
	d.queued = nil
	d.mu.Unlock()
}

// Run consumes decoded frames from the connection manager until ctx ends.
// It is the single inbound loop: per-channel delivery order is receipt order.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-d.conn.Frames():
			if !ok {
				return nil
			}
			d.route(f)
		}
	}
}

// Send publishes a message. Without RequireAck it is fire-and-forget once
// admitted; with RequireAck it blocks until acked, the attempt budget is
// exhausted (ErrDeliveryFailed), or ctx ends.
func (d *Dispatcher) Send(ctx context.Context, channel, event string, payload []byte, opts SendOptions) error {
	timeout := opts.AckTimeout
	if timeout <= 0 {
		timeout = d.cfg.AckTimeout
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxAttempts
	}

	id := uuid.NewString()
	frame := connection.Frame{
		Type:    connection.FramePublish,
		ID:      id,
		Channel: channel,
		Event:   event,
		Data:    payload,
		Ack:     opts.RequireAck,
	}

	if !opts.RequireAck {
		if err := d.gov.Admit(ctx, rate.ClassSend); err != nil {
			return err
		}
		err := d.conn.Send(frame)
		if errors.Is(err, connection.ErrNotConnected) {
			// Session down; hold the admitted send until the next Connected
			// transition instead of dropping it.
			return d.enqueue(frame)
		}
		return err
	}

	acked := make(chan struct{}, 1)
	d.mu.Lock()
	d.pending[id] = acked
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := d.policy.Delay(attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := d.gov.Admit(ctx, rate.ClassSend); err != nil {
			return err
		}

		if err := d.conn.Send(frame); err != nil {
			// Session down; the timeout below doubles as the retry pace.
			d.logger.Debug("publish attempt failed",
				"id", id,
				"attempt", attempt+1,
				"error", err,
			)
		}

		timer := time.NewTimer(timeout)
		select {
		case <-acked:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			d.logger.Debug("ack timeout",
				"id", id,
				"channel", channel,
				"attempt", attempt+1,
			)
		}
	}

	return fmt.Errorf("%w: message %s (%d attempts)", ErrDeliveryFailed, id, maxAttempts)
}

// enqueue holds a fire-and-forget frame for replay after reconnect.
func (d *Dispatcher) enqueue(f connection.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queued) >= d.cfg.SendQueueSize {
		d.logger.Warn("send queue full, dropping message", "channel", f.Channel)
		return rate.ErrThrottled
	}
	d.queued = append(d.queued, f)
	d.logger.Debug("send queued until reconnect",
		"channel", f.Channel,
		"queued", len(d.queued),
	)
	return nil
}

// flushQueued replays held sends in order once the session is back.
func (d *Dispatcher) flushQueued() {
	d.mu.Lock()
	frames := d.queued
	d.queued = nil
	d.mu.Unlock()

	for i, f := range frames {
		if err := d.conn.Send(f); err != nil {
			if errors.Is(err, connection.ErrNotConnected) {
				// Lost the session again mid-flush; requeue the remainder.
				d.mu.Lock()
				d.queued = append(frames[i:], d.queued...)
				d.mu.Unlock()
				return
			}
			d.logger.Warn("queued send failed", "channel", f.Channel, "error", err)
		}
	}

	if len(frames) > 0 {
		d.logger.Debug("queued sends flushed", "count", len(frames))
	}
}

// History returns the buffered events for a channel, oldest first. Empty
// unless HistorySize is configured.
func (d *Dispatcher) History(channel string) []registry.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]registry.Event(nil), d.history[channel]...)
}

// route delivers one inbound frame to its component.
func (d *Dispatcher) route(f connection.Frame) {
	switch f.Type {
	case connection.FrameSubscribed:
		d.reg.HandleSubscribed(f.Channel)

	case connection.FrameSubscriptionError:
		var ed connection.ErrorData
		if err := json.Unmarshal(f.Data, &ed); err != nil {
			d.logger.Debug("bad subscription_error payload", "channel", f.Channel)
		}
		d.reg.HandleSubscriptionError(f.Channel, ed)

	case connection.FrameUnsubscribed:
		d.reg.HandleUnsubscribed(f.Channel)

	case connection.FrameAck:
		d.handleAck(f.ID)

	case connection.FramePresenceState, connection.FrameMemberAdded, connection.FrameMemberRemoved:
		d.routePresence(f)

	case connection.FrameEvent:
		d.fanout(f)

	default:
		d.logger.Debug("unhandled frame", "type", f.Type)
	}
}

func (d *Dispatcher) handleAck(id string) {
	d.mu.Lock()
	ch, ok := d.pending[id]
	d.mu.Unlock()

	if !ok {
		// Late ack for a message we gave up on.
		d.logger.Debug("ack for unknown message", "id", id)
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) routePresence(f connection.Frame) {
	tracker := d.reg.Tracker(f.Channel)
	if tracker == nil {
		d.logger.Debug("presence frame for non-presence channel", "channel", f.Channel)
		return
	}

	switch f.Type {
	case connection.FramePresenceState:
		var state connection.PresenceStateData
		if err := json.Unmarshal(f.Data, &state); err != nil {
			d.logger.Debug("bad presence_state payload", "channel", f.Channel)
			return
		}
		members := make([]presence.Member, 0, len(state.Members))
		for _, m := range state.Members {
			members = append(members, presence.Member{ID: m.ID, Info: m.Info})
		}
		tracker.ApplyState(f.Seq, members)

	case connection.FrameMemberAdded:
		var m connection.MemberData
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return
		}
		tracker.ApplyAdded(f.Seq, presence.Member{ID: m.ID, Info: m.Info})

	case connection.FrameMemberRemoved:
		var m connection.MemberData
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return
		}
		tracker.ApplyRemoved(f.Seq, m.ID)
	}
}

// fanout delivers an event to every handler bound to (channel, event) in
// registration order. A failing handler never blocks the rest.
func (d *Dispatcher) fanout(f connection.Frame) {
	ev := registry.Event{Channel: f.Channel, Name: f.Event, Payload: f.Data}

	for i, fn := range d.reg.Handlers(f.Channel, f.Event) {
		d.invoke(i, fn, ev)
	}

	d.record(ev)
}

func (d *Dispatcher) invoke(idx int, fn registry.Handler, ev registry.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				"channel", ev.Channel,
				"event", ev.Name,
				"handler", idx,
				"panic", r,
			)
		}
	}()
	fn(ev)
}

func (d *Dispatcher) record(ev registry.Event) {
	if d.cfg.HistorySize <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := append(d.history[ev.Channel], ev)
	if len(buf) > d.cfg.HistorySize {
		buf = buf[len(buf)-d.cfg.HistorySize:]
	}
	d.history[ev.Channel] = buf
}
