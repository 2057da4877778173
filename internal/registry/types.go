package registry

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mstrand/realtime-core/internal/presence"
)

// Errors
var (
	ErrKindMismatch       = errors.New("registry: channel already registered with a different kind")
	ErrSubscriptionDenied = errors.New("registry: subscription denied")
	ErrUnknownHandle      = errors.New("registry: unknown subscription handle")
)

// EventSubscriptionError is the dedicated event name under which subscription
// failures are delivered to consumer handlers.
const EventSubscriptionError = "realtime:subscription_error"

// Kind classifies a channel.
type Kind int

const (
	KindPublic Kind = iota
	KindPrivate
	KindPresence
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindPublic:
		return "public"
	case KindPrivate:
		return "private"
	case KindPresence:
		return "presence"
	}
	return "unknown"
}

// requiresAuth reports whether subscribing needs the authorization collaborator.
func (k Kind) requiresAuth() bool {
	return k == KindPrivate || k == KindPresence
}

// Event is an inbound channel event delivered to handlers.
type Event struct {
	Channel string
	Name    string
	Payload json.RawMessage
}

// Handler consumes events.
type Handler func(Event)

// Binding pairs an event name with its handler. Binding order is delivery
// order within a consumer. An empty Event name binds to every event on the
// channel except internal error events.
type Binding struct {
	Event string
	Fn    Handler
}

// Options tunes one Subscribe call. A nil *Options means defaults.
type Options struct {
	// Disabled registers interest and handlers without triggering a network
	// subscribe until an enabled consumer arrives or Activate is called.
	Disabled bool

	// ManualSubscribe suppresses the automatic network subscribe; the caller
	// drives it via Activate.
	ManualSubscribe bool

	// Presence callbacks, only meaningful for Presence channels.
	OnMemberAdded   func(presence.Member)
	OnMemberRemoved func(presence.Member)
}

// Handle identifies one consumer's attachment to a channel. Consumers hold
// handles, never the subscription itself.
type Handle struct {
	id      uuid.UUID
	channel string
}

// Channel returns the channel name this handle is attached to.
func (h Handle) Channel() string {
	return h.channel
}

// Config holds Channel Registry configuration.
type Config struct {
	// GracePeriod is how long a channel with zero consumers is kept
	// subscribed, absorbing rapid unmount/remount cycles.
	GracePeriod time.Duration
}

// DefaultGracePeriod keeps channels alive briefly after the last consumer
// detaches.
const DefaultGracePeriod = 300 * time.Millisecond

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{GracePeriod: DefaultGracePeriod}
}

// Stats provides registry statistics.
type Stats struct {
	Channels   int // Channels with at least one consumer
	Subscribed int // Channels confirmed by the service
}
