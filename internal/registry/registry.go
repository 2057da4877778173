package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mstrand/realtime-core/internal/auth"
	"github.com/mstrand/realtime-core/internal/connection"
	"github.com/mstrand/realtime-core/internal/presence"
	"github.com/mstrand/realtime-core/internal/rate"
)

// subState tracks where a channel is in its network lifecycle.
type subState int

const (
	subIdle subState = iota // No network subscribe outstanding
	subPending
	subActive
	subFailed
)

// subscription is the ref-counted state for one channel. Owned exclusively
// by the Registry. Interest is counted by live handles so a stale or
// double-fired detach cannot take another consumer's reference with it.
type subscription struct {
	name     string
	kind     Kind
	handles  map[uuid.UUID]struct{} // live consumer handles
	bindings []binding              // registration order across all consumers
	state    subState
	lastErr  error
	grace    *time.Timer
	tracker  *presence.Tracker
	wantNet  bool // at least one consumer asked for an automatic subscribe
}

type binding struct {
	handle uuid.UUID
	event  string
	fn     Handler
}

// Registry reference-counts channel interest so that many consumers of the
// same channel share one network subscription. Network subscribes are
// admitted through the Rate Governor and re-issued in channel-name order on
// every transition into Connected.
type Registry struct {
	cfg       Config
	conn      *connection.Manager
	gov       *rate.Governor
	authorize auth.AuthorizeFunc
	logger    *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription

	removeListener func()
}

// New creates a Channel Registry bound to the connection manager. The
// authorize function is consulted for private and presence channels; it may
// be nil when only public channels are used.
func New(cfg Config, conn *connection.Manager, gov *rate.Governor, authorize auth.AuthorizeFunc, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}

	r := &Registry{
		cfg:       cfg,
		conn:      conn,
		gov:       gov,
		authorize: authorize,
		logger:    logger,
		subs:      make(map[string]*subscription),
	}

	r.removeListener = conn.OnStateChange(func(c connection.StateChange) {
		switch c.To {
		case connection.StateConnected:
			go r.resubscribeAll()
		case connection.StateReconnecting, connection.StateDisconnected, connection.StateFailed:
			r.markAllIdle()
		}
	})

	return r
}

// Close detaches the registry from the connection manager and stops all
// grace timers. Consumer handler registrations are left in place.
func (r *Registry) Close() {
	if r.removeListener != nil {
		r.removeListener()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.grace != nil {
			sub.grace.Stop()
			sub.grace = nil
		}
	}
}

// Subscribe attaches a consumer to a channel. The first net-positive
// interest triggers one network subscribe; later consumers share it. The
// returned handle is the only way to detach.
func (r *Registry) Subscribe(ctx context.Context, name string, kind Kind, bindings []Binding, opts *Options) (Handle, error) {
	if opts == nil {
		opts = &Options{}
	}

	r.mu.Lock()
	sub, ok := r.subs[name]
	if !ok {
		sub = &subscription{name: name, kind: kind, handles: make(map[uuid.UUID]struct{})}
		if kind == KindPresence {
			sub.tracker = presence.NewTracker(name, r.logger)
		}
		r.subs[name] = sub
	} else if sub.kind != kind {
		r.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: %s is %s, requested %s", ErrKindMismatch, name, sub.kind, kind)
	}

	// A consumer arriving during the grace period keeps the channel alive.
	if sub.grace != nil {
		sub.grace.Stop()
		sub.grace = nil
	}

	id := uuid.New()
	for _, b := range bindings {
		sub.bindings = append(sub.bindings, binding{handle: id, event: b.Event, fn: b.Fn})
	}
	sub.handles[id] = struct{}{}

	if sub.tracker != nil && (opts.OnMemberAdded != nil || opts.OnMemberRemoved != nil) {
		sub.tracker.Attach(id, presence.Callbacks{
			MemberAdded:   opts.OnMemberAdded,
			MemberRemoved: opts.OnMemberRemoved,
		})
	}

	start := false
	if !opts.Disabled && !opts.ManualSubscribe {
		sub.wantNet = true
		if sub.state == subIdle && r.conn.State() == connection.StateConnected {
			sub.state = subPending
			start = true
		}
	}
	r.mu.Unlock()

	r.logger.Debug("consumer attached",
		"channel", name,
		"kind", kind.String(),
		"refs", r.refs(name),
	)

	if start {
		go r.networkSubscribe(name)
	}

	return Handle{id: id, channel: name}, nil
}

// Activate triggers the network subscribe for a channel registered with
// ManualSubscribe or Disabled.
func (r *Registry) Activate(h Handle) error {
	r.mu.Lock()
	sub, ok := r.subs[h.channel]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownHandle
	}
	if _, live := sub.handles[h.id]; !live {
		r.mu.Unlock()
		return ErrUnknownHandle
	}
	sub.wantNet = true
	start := sub.state == subIdle && r.conn.State() == connection.StateConnected
	if start {
		sub.state = subPending
	}
	r.mu.Unlock()

	if start {
		go r.networkSubscribe(h.channel)
	}
	return nil
}

// Unsubscribe detaches one consumer. When the last consumer leaves, the
// network unsubscribe is deferred by the grace period so a quick remount
// does not churn the wire. Detaching a handle that is not attached (already
// unsubscribed, or from another channel) is ErrUnknownHandle and leaves the
// remaining consumers untouched.
func (r *Registry) Unsubscribe(h Handle) error {
	r.mu.Lock()
	sub, ok := r.subs[h.channel]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownHandle
	}
	if _, live := sub.handles[h.id]; !live {
		r.mu.Unlock()
		return ErrUnknownHandle
	}
	delete(sub.handles, h.id)

	kept := sub.bindings[:0]
	for _, b := range sub.bindings {
		if b.handle != h.id {
			kept = append(kept, b)
		}
	}
	sub.bindings = kept

	if sub.tracker != nil {
		sub.tracker.Detach(h.id)
	}

	var scheduled bool
	if len(sub.handles) == 0 && sub.grace == nil {
		name := h.channel
		sub.grace = time.AfterFunc(r.cfg.GracePeriod, func() {
			r.teardown(name)
		})
		scheduled = true
	}
	r.mu.Unlock()

	r.logger.Debug("consumer detached",
		"channel", h.channel,
		"refs", r.refs(h.channel),
		"teardown_scheduled", scheduled,
	)
	return nil
}

// teardown runs after the grace period: if no consumer came back, the
// channel is dropped and the network unsubscribe issued.
func (r *Registry) teardown(name string) {
	r.mu.Lock()
	sub, ok := r.subs[name]
	if !ok || len(sub.handles) > 0 {
		r.mu.Unlock()
		return
	}
	wasLive := sub.state == subActive || sub.state == subPending
	delete(r.subs, name)
	connected := r.conn.State() == connection.StateConnected
	r.mu.Unlock()

	if !wasLive || !connected {
		return
	}

	if err := r.gov.Admit(context.Background(), rate.ClassSubscribe); err != nil {
		r.logger.Warn("unsubscribe not admitted", "channel", name, "error", err)
		return
	}
	if err := r.conn.Send(connection.Frame{Type: connection.FrameUnsubscribe, Channel: name}); err != nil {
		r.logger.Warn("unsubscribe send failed", "channel", name, "error", err)
		return
	}
	r.logger.Debug("unsubscribed", "channel", name)
}

// networkSubscribe performs one admitted subscribe against the live session.
func (r *Registry) networkSubscribe(name string) {
	ctx := context.Background()

	if err := r.gov.Admit(ctx, rate.ClassSubscribe); err != nil {
		r.fail(name, err)
		return
	}

	r.mu.Lock()
	sub, ok := r.subs[name]
	if !ok || len(sub.handles) == 0 {
		// Everyone left while we waited for admission.
		r.mu.Unlock()
		return
	}
	kind := sub.kind
	r.mu.Unlock()

	frame := connection.Frame{Type: connection.FrameSubscribe, Channel: name}

	if kind.requiresAuth() {
		if r.authorize == nil {
			r.fail(name, fmt.Errorf("%w: no authorizer configured", ErrSubscriptionDenied))
			return
		}
		token, err := r.authorize(ctx, name, r.conn.SocketID())
		if err != nil {
			r.fail(name, fmt.Errorf("%w: %v", ErrSubscriptionDenied, err))
			return
		}
		frame.Auth = token.Auth
		frame.ChannelData = token.ChannelData
	}

	if err := r.conn.Send(frame); err != nil {
		// Connection dropped between admission and send; the Connected
		// listener re-issues the subscribe.
		r.mu.Lock()
		if sub, ok := r.subs[name]; ok && sub.state == subPending {
			sub.state = subIdle
		}
		r.mu.Unlock()
		r.logger.Debug("subscribe send failed", "channel", name, "error", err)
		return
	}

	r.logger.Debug("subscribe sent", "channel", name, "kind", kind.String())
}

// fail marks the subscription failed and surfaces the error to handlers
// through the dedicated error event. Failed subscriptions are not retried
// until the next Connected transition.
func (r *Registry) fail(name string, err error) {
	r.mu.Lock()
	sub, ok := r.subs[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	sub.state = subFailed
	sub.lastErr = err
	handlers := handlersForLocked(sub, EventSubscriptionError)
	r.mu.Unlock()

	r.logger.Warn("subscription failed", "channel", name, "error", err)

	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	ev := Event{Channel: name, Name: EventSubscriptionError, Payload: payload}
	for _, fn := range handlers {
		fn(ev)
	}
}

// HandleSubscribed records a service-confirmed subscription.
func (r *Registry) HandleSubscribed(channel string) {
	r.mu.Lock()
	sub, ok := r.subs[channel]
	if ok {
		sub.state = subActive
		sub.lastErr = nil
	}
	r.mu.Unlock()

	if ok {
		r.logger.Debug("subscription confirmed", "channel", channel)
	}
}

// HandleSubscriptionError records a service-side subscription rejection.
func (r *Registry) HandleSubscriptionError(channel string, data connection.ErrorData) {
	r.fail(channel, fmt.Errorf("%w: %s: %s", ErrSubscriptionDenied, data.Code, data.Message))
}

// HandleUnsubscribed clears network state for a channel; consumers that are
// still attached will be resubscribed on the next Connected transition.
func (r *Registry) HandleUnsubscribed(channel string) {
	r.mu.Lock()
	if sub, ok := r.subs[channel]; ok {
		sub.state = subIdle
	}
	r.mu.Unlock()
}

// Tracker returns the presence tracker for a channel, or nil.
func (r *Registry) Tracker(channel string) *presence.Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[channel]; ok {
		return sub.tracker
	}
	return nil
}

// Handlers returns the handlers bound to (channel, event) in registration
// order. The Message Dispatcher fans events out through this.
func (r *Registry) Handlers(channel, event string) []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[channel]
	if !ok {
		return nil
	}
	return handlersForLocked(sub, event)
}

func handlersForLocked(sub *subscription, event string) []Handler {
	var out []Handler
	for _, b := range sub.bindings {
		// An empty bound event name receives every event on the channel.
		if b.event == event || (b.event == "" && event != EventSubscriptionError) {
			out = append(out, b.fn)
		}
	}
	return out
}

// LastError returns the last subscription error for a channel.
func (r *Registry) LastError(channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[channel]; ok {
		return sub.lastErr
	}
	return nil
}

// Stats returns current registry statistics.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Channels: len(r.subs)}
	for _, sub := range r.subs {
		if sub.state == subActive {
			s.Subscribed++
		}
	}
	return s
}

// resubscribeAll re-issues subscribes for every channel with live interest,
// in channel-name order, after a transition into Connected.
func (r *Registry) resubscribeAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.subs))
	for name, sub := range r.subs {
		if len(sub.handles) > 0 && sub.wantNet && sub.state != subPending {
			sub.state = subPending
			names = append(names, name)
		}
	}
	r.mu.Unlock()

	sort.Strings(names)

	if len(names) > 0 {
		r.logger.Info("resubscribing channels", "count", len(names))
	}

	// Sequential so admission order matches channel-name order.
	for _, name := range names {
		r.networkSubscribe(name)
	}
}

// markAllIdle resets network state when the session is lost.
func (r *Registry) markAllIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.state == subActive || sub.state == subPending {
			sub.state = subIdle
		}
	}
}

func (r *Registry) refs(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[name]; ok {
		return len(sub.handles)
	}
	return 0
}
