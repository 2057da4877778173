package connection

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is a single session to the messaging service. The Connection
// Manager is the only component holding a Transport; everything else goes
// through the Manager.
type Transport interface {
	// Connect establishes the session.
	Connect(ctx context.Context) error

	// Close tears the session down. Safe to call more than once.
	Close() error

	// Send writes raw bytes to the session.
	Send(data []byte) error

	// Messages returns the inbound message channel.
	Messages() <-chan TimestampedMessage

	// Errors returns the channel of terminal session errors.
	Errors() <-chan error

	// IsConnected reports whether the session is up.
	IsConnected() bool
}

// wsTransport implements Transport over a gorilla WebSocket connection.
type wsTransport struct {
	cfg    TransportConfig
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	mu         sync.RWMutex
	connected  bool
	closed     bool
	lastSeenAt time.Time
}

// NewWebsocketTransport creates a Transport backed by a WebSocket connection.
func NewWebsocketTransport(cfg TransportConfig, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultTransportConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	return &wsTransport{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan TimestampedMessage, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Connect dials the service and starts the read and keepalive loops.
func (t *wsTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrAlreadyClosed
	}
	t.mu.Unlock()

	header := http.Header{}
	header.Set("Accept", "application/json")
	if t.cfg.Key != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Key)
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		return err
	}
	t.prepare(conn)

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.lastSeenAt = time.Now()
	t.mu.Unlock()

	go t.readLoop(conn)
	go t.keepaliveLoop(conn)

	t.logger.Debug("transport connected", "url", t.cfg.URL)
	return nil
}

// prepare installs the read limit and control handlers on a freshly dialed
// connection. The service pings us and answers our pings; either direction
// counts as liveness.
func (t *wsTransport) prepare(conn *websocket.Conn) {
	conn.SetReadLimit(t.cfg.MaxMessageSize)
	conn.SetPingHandler(func(data string) error {
		t.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		t.touch()
		return nil
	})
}

func (t *wsTransport) touch() {
	t.mu.Lock()
	t.lastSeenAt = time.Now()
	t.mu.Unlock()
}

// quietFor returns how long the session has gone without any inbound traffic.
func (t *wsTransport) quietFor() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Since(t.lastSeenAt)
}

// Close tears the session down.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	conn := t.conn
	t.mu.Unlock()

	close(t.done)

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}
	return nil
}

// Send writes one text message. Writes are serialized.
func (t *wsTransport) Send(data []byte) error {
	t.mu.RLock()
	connected := t.connected
	t.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Messages() <-chan TimestampedMessage { return t.messages }
func (t *wsTransport) Errors() <-chan error                { return t.errors }

func (t *wsTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// reportErr surfaces a terminal session error unless one is already pending.
func (t *wsTransport) reportErr(err error) {
	select {
	case t.errors <- err:
	default:
	}
}

// readLoop pumps inbound messages into the messages channel until the
// connection drops. Every message counts as liveness, so a busy session
// never trips the stale check even if control frames get starved.
func (t *wsTransport) readLoop(conn *websocket.Conn) {
	defer func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
	}()

	for {
		select {
		case <-t.done:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-t.done:
				// Expected after Close.
			default:
				t.reportErr(t.classifyReadErr(err))
			}
			return
		}
		t.touch()

		select {
		case t.messages <- TimestampedMessage{Data: data, ReceivedAt: receivedAt}:
		case <-t.done:
			return
		default:
			t.logger.Warn("inbound buffer full, dropping message")
		}
	}
}

// classifyReadErr maps a read failure to the error the Manager should see.
// A clean close from the service becomes ErrRemoteClosed; everything else
// passes through with the close code logged when one is present.
func (t *wsTransport) classifyReadErr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrRemoteClosed
	}
	if ce, ok := err.(*websocket.CloseError); ok {
		t.logger.Warn("session closed by service", "code", ce.Code, "reason", ce.Text)
	}
	return err
}

// keepaliveLoop watches session liveness. Pings go out only when the link
// has been quiet for a full interval; a session quiet past PingTimeout is
// reported stale and the loop exits.
func (t *wsTransport) keepaliveLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			quiet := t.quietFor()

			if quiet > t.cfg.PingTimeout {
				t.logger.Warn("connection stale",
					"quiet", quiet,
					"timeout", t.cfg.PingTimeout,
				)
				t.reportErr(ErrStaleConnection)
				return
			}

			if quiet < t.cfg.PingInterval {
				continue
			}
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				t.logger.Debug("keepalive ping failed", "error", err)
			}
		}
	}
}
