package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mstrand/realtime-core/internal/backoff"
)

// DialFunc returns a fresh Transport for each connection attempt.
type DialFunc func() Transport

// Manager owns the single transport session and drives the connection state
// machine: Disconnected -> Connecting -> Connected -> Reconnecting -> Failed.
// Reconnects are scheduled by the backoff policy; the attempt counter resets
// on every successful connect. After MaxAttempts consecutive failed cycles
// the state becomes Failed and no further automatic retries happen until the
// caller connects again.
type Manager struct {
	cfg    ManagerConfig
	dial   DialFunc
	policy *backoff.Policy
	logger *slog.Logger

	frames chan Frame

	mu        sync.Mutex
	state     State
	transport Transport
	socketID  string
	lastErr   error
	listeners []listenerEntry
	nextID    int64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type listenerEntry struct {
	id int64
	fn func(StateChange)
}

// NewManager creates a Connection Manager. The dial function supplies a new
// Transport per attempt; the policy governs reconnect delays and the attempt
// cap.
func NewManager(cfg ManagerConfig, dial DialFunc, policy *backoff.Policy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FrameBufferSize <= 0 {
		cfg.FrameBufferSize = DefaultManagerConfig().FrameBufferSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultManagerConfig().ConnectTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultManagerConfig().HandshakeTimeout
	}

	return &Manager{
		cfg:    cfg,
		dial:   dial,
		policy: policy,
		logger: logger,
		frames: make(chan Frame, cfg.FrameBufferSize),
		state:  StateDisconnected,
	}
}

// Connect starts the connect/reconnect loop. It returns immediately after
// transitioning to Connecting. Calling Connect while a loop is already
// running returns ErrAlreadyRunning.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateDisconnected, StateFailed:
	default:
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	from := m.state
	m.state = StateConnecting
	listeners := make([]func(StateChange), 0, len(m.listeners))
	for _, e := range m.listeners {
		listeners = append(listeners, e.fn)
	}
	m.mu.Unlock()

	m.logger.Info("connection state changed", "from", from.String(), "to", StateConnecting.String())
	change := StateChange{From: from, To: StateConnecting, At: time.Now()}
	for _, fn := range listeners {
		fn(change)
	}

	m.wg.Add(1)
	go m.run(runCtx)
	return nil
}

// Disconnect stops the loop and closes the transport. Blocks until the loop
// has exited.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	t := m.transport
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		t.Close()
	}
	m.wg.Wait()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SocketID returns the session identifier assigned by the service, or ""
// when not connected.
func (m *Manager) SocketID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socketID
}

// LastError returns the most recent connection-level error.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Frames returns the channel of decoded inbound frames. Single consumer.
func (m *Manager) Frames() <-chan Frame {
	return m.frames
}

// OnStateChange registers a transition listener and returns its remover.
// Listeners run synchronously on the manager loop in registration order.
func (m *Manager) OnStateChange(fn func(StateChange)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, e := range m.listeners {
			if e.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// Send marshals and writes a frame. Only admitted while Connected.
func (m *Manager) Send(f Frame) error {
	m.mu.Lock()
	if m.state != StateConnected || m.transport == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	t := m.transport
	m.mu.Unlock()

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return t.Send(data)
}

// run is the connect/reconnect loop.
func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	attempt := 0 // failed cycles since the last successful connect

	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected, nil)
			return
		}

		t := m.dial()
		err := m.establish(ctx, t)
		if err == nil {
			attempt = 0
			m.setState(StateConnected, nil)

			sessionErr := m.pump(ctx, t)
			t.Close()
			m.clearSession()

			if ctx.Err() != nil {
				m.setState(StateDisconnected, nil)
				return
			}
			m.logger.Warn("transport lost", "error", sessionErr)
			m.setState(StateReconnecting, sessionErr)
		} else {
			t.Close()
			if ctx.Err() != nil {
				m.setState(StateDisconnected, nil)
				return
			}

			attempt++
			if attempt >= m.policy.MaxAttempts() {
				m.logger.Error("connection failed permanently",
					"attempts", attempt,
					"error", err,
				)
				m.setState(StateFailed, fmt.Errorf("%w: %v", ErrConnectionFailed, err))
				return
			}
			m.setState(StateReconnecting, err)
		}

		delay := m.policy.Delay(attempt)
		m.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			m.setState(StateDisconnected, nil)
			return
		case <-time.After(delay):
		}
	}
}

// establish dials the transport and waits for the "connected" frame that
// carries our socket id.
func (m *Manager) establish(ctx context.Context, t Transport) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	err := t.Connect(dialCtx)
	cancel()
	if err != nil {
		return err
	}

	timer := time.NewTimer(m.cfg.HandshakeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrHandshakeTimeout
		case err := <-t.Errors():
			return err
		case msg, ok := <-t.Messages():
			if !ok {
				return ErrNotConnected
			}
			f, ok := decodeFrame(msg)
			if !ok || f.Type != FrameConnected {
				continue
			}

			var cd ConnectedData
			if err := json.Unmarshal(f.Data, &cd); err != nil {
				return fmt.Errorf("parse connected frame: %w", err)
			}

			m.mu.Lock()
			m.transport = t
			m.socketID = cd.SocketID
			m.mu.Unlock()

			m.logger.Debug("handshake complete", "socket_id", cd.SocketID)
			return nil
		}
	}
}

// pump forwards decoded frames until the transport drops or ctx ends.
func (m *Manager) pump(ctx context.Context, t Transport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-t.Errors():
			return err
		case msg, ok := <-t.Messages():
			if !ok {
				return ErrNotConnected
			}
			f, ok := decodeFrame(msg)
			if !ok {
				m.logger.Debug("dropping undecodable frame")
				continue
			}

			select {
			case m.frames <- f:
			case <-ctx.Done():
				return ctx.Err()
			default:
				m.logger.Warn("frame buffer full, dropping frame", "type", f.Type)
			}
		}
	}
}

func (m *Manager) clearSession() {
	m.mu.Lock()
	m.transport = nil
	m.socketID = ""
	m.mu.Unlock()
}

// setState records the transition and notifies listeners outside the lock.
func (m *Manager) setState(to State, err error) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	if err != nil {
		m.lastErr = err
	}
	listeners := make([]func(StateChange), 0, len(m.listeners))
	for _, e := range m.listeners {
		listeners = append(listeners, e.fn)
	}
	m.mu.Unlock()

	m.logger.Info("connection state changed", "from", from.String(), "to", to.String())

	change := StateChange{From: from, To: to, At: time.Now(), Err: err}
	for _, fn := range listeners {
		fn(change)
	}
}

// decodeFrame parses a raw message into a Frame.
func decodeFrame(msg TimestampedMessage) (Frame, bool) {
	var f Frame
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		return Frame{}, false
	}
	if f.Type == "" {
		return Frame{}, false
	}
	f.ReceivedAt = msg.ReceivedAt
	return f, true
}
