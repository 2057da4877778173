package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no ping)")
	ErrRemoteClosed     = errors.New("session closed by remote")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrAlreadyRunning   = errors.New("connect already in progress")
	ErrConnectionFailed = errors.New("connection failed after max attempts")
	ErrHandshakeTimeout = errors.New("timed out waiting for connected frame")
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// StateChange is emitted to listeners on every state transition.
type StateChange struct {
	From State
	To   State
	At   time.Time
	Err  error // Set on transitions caused by a failure (Reconnecting, Failed)
}

// TimestampedMessage wraps raw transport bytes with the receive timestamp.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// Frame types exchanged with the messaging service. The provider protocol is
// treated as opaque beyond this envelope.
const (
	FrameConnected         = "connected"
	FrameSubscribe         = "subscribe"
	FrameSubscribed        = "subscribed"
	FrameUnsubscribe       = "unsubscribe"
	FrameUnsubscribed      = "unsubscribed"
	FrameSubscriptionError = "subscription_error"
	FramePublish           = "publish"
	FrameAck               = "ack"
	FrameEvent             = "event"
	FramePresenceState     = "presence_state"
	FrameMemberAdded       = "member_added"
	FrameMemberRemoved     = "member_removed"
)

// Frame is the JSON envelope for every message in either direction.
type Frame struct {
	Type        string          `json:"type"`
	Channel     string          `json:"channel,omitempty"`
	Event       string          `json:"event,omitempty"`
	ID          string          `json:"id,omitempty"` // Publish/ack correlation
	Seq         int64           `json:"seq,omitempty"`
	Auth        string          `json:"auth,omitempty"`
	ChannelData json.RawMessage `json:"channel_data,omitempty"`
	Ack         bool            `json:"ack,omitempty"` // Publish requests an ack
	Data        json.RawMessage `json:"data,omitempty"`

	ReceivedAt time.Time `json:"-"`
}

// ConnectedData is the payload of a "connected" frame.
type ConnectedData struct {
	SocketID string `json:"socket_id"`
}

// ErrorData is the payload of "subscription_error" frames.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MemberData is the payload of member_added/member_removed frames.
type MemberData struct {
	ID   string         `json:"id"`
	Info map[string]any `json:"info,omitempty"`
}

// PresenceStateData is the payload of a "presence_state" frame.
type PresenceStateData struct {
	Members []MemberData `json:"members"`
}

// TransportConfig configures a WebSocket transport.
type TransportConfig struct {
	URL            string        // WebSocket URL of the messaging service
	Key            string        // Client key sent as a bearer token (empty = no auth header)
	DialTimeout    time.Duration // WebSocket handshake deadline
	PingInterval   time.Duration // Liveness check interval; pings go out when the link is quiet
	PingTimeout    time.Duration // Max silence before the connection is declared stale
	WriteTimeout   time.Duration // Write deadline for sends
	BufferSize     int           // Inbound message channel buffer size
	MaxMessageSize int64         // Read limit in bytes; larger inbound messages kill the session
}

// DefaultTransportConfig returns sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:    10 * time.Second,
		PingInterval:   15 * time.Second,
		PingTimeout:    60 * time.Second,
		WriteTimeout:   5 * time.Second,
		BufferSize:     1024,
		MaxMessageSize: 1 << 20,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	FrameBufferSize  int           // Decoded frame channel buffer size
	ConnectTimeout   time.Duration // Per-attempt dial timeout
	HandshakeTimeout time.Duration // Max wait for the "connected" frame after dial
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		FrameBufferSize:  4096,
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}
