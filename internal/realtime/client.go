package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mstrand/realtime-core/internal/auth"
	"github.com/mstrand/realtime-core/internal/backoff"
	"github.com/mstrand/realtime-core/internal/config"
	"github.com/mstrand/realtime-core/internal/connection"
	"github.com/mstrand/realtime-core/internal/dispatch"
	"github.com/mstrand/realtime-core/internal/presence"
	"github.com/mstrand/realtime-core/internal/rate"
	"github.com/mstrand/realtime-core/internal/registry"
)

// ErrClosed is returned by operations on a client after Close.
var ErrClosed = errors.New("realtime: client closed")

// Option customizes client construction.
type Option func(*Client)

// WithLogger sets the logger for the client and all its components.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithAuthorizer overrides the channel authorization function. By default a
// client built from a config with auth.endpoint set authorizes over HTTP.
func WithAuthorizer(fn auth.AuthorizeFunc) Option {
	return func(c *Client) { c.authorize = fn }
}

// WithDialer overrides the transport factory. Intended for tests.
func WithDialer(dial connection.DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// Client is the top-level realtime facade. It owns a single shared
// connection, the channel registry, the message dispatcher, and the rate
// governor, and hands out narrow operations over them.
type Client struct {
	cfg       *config.ClientConfig
	logger    *slog.Logger
	authorize auth.AuthorizeFunc
	dial      connection.DialFunc

	policy *backoff.Policy
	gov    *rate.Governor
	conn   *connection.Manager
	reg    *registry.Registry
	disp   *dispatch.Dispatcher

	mu     sync.Mutex
	group  *errgroup.Group
	cancel context.CancelFunc
	closed bool
}

// New assembles a client from config. The config should have passed
// LoadAndValidate; nil panics.
func New(cfg *config.ClientConfig, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.policy = backoff.New(backoff.Config{
		BaseDelay:      cfg.Backoff.BaseDelay,
		MaxDelay:       cfg.Backoff.MaxDelay,
		JitterFraction: cfg.Backoff.JitterFraction,
		MaxAttempts:    cfg.Backoff.MaxAttempts,
	})

	c.gov = rate.NewGovernor(map[rate.Class]rate.Budget{
		rate.ClassSubscribe: budget(cfg.Rate.Subscribe),
		rate.ClassSend:      budget(cfg.Rate.Send),
		rate.ClassHTTP:      budget(cfg.Rate.HTTP),
	}, c.logger)

	if c.dial == nil {
		tcfg := connection.TransportConfig{
			URL:            cfg.Connection.URL,
			Key:            cfg.Connection.Key,
			DialTimeout:    cfg.Connection.DialTimeout,
			PingInterval:   cfg.Connection.PingInterval,
			PingTimeout:    cfg.Connection.PingTimeout,
			WriteTimeout:   cfg.Connection.WriteTimeout,
			MaxMessageSize: cfg.Connection.MaxMessageSize,
		}
		logger := c.logger
		c.dial = func() connection.Transport {
			return connection.NewWebsocketTransport(tcfg, logger)
		}
	}

	c.conn = connection.NewManager(connection.ManagerConfig{
		FrameBufferSize: cfg.Connection.FrameBufferSize,
		ConnectTimeout:  cfg.Connection.ConnectTimeout,
	}, c.dial, c.policy, c.logger)

	if c.authorize == nil && cfg.Auth.Endpoint != "" {
		ac := auth.NewClient(cfg.Auth.Endpoint,
			auth.WithTimeout(cfg.Auth.Timeout),
			auth.WithLogger(c.logger),
			auth.WithGovernor(c.gov),
		)
		c.authorize = ac.Authorize
	}

	c.reg = registry.New(registry.Config{
		GracePeriod: cfg.Channels.GracePeriod,
	}, c.conn, c.gov, c.authorize, c.logger)

	c.disp = dispatch.New(dispatch.Config{
		AckTimeout:    cfg.Dispatch.AckTimeout,
		MaxAttempts:   cfg.Dispatch.MaxAttempts,
		HistorySize:   cfg.Dispatch.HistorySize,
		SendQueueSize: cfg.Dispatch.SendQueueSize,
	}, c.conn, c.gov, c.policy, c.reg, c.logger)

	return c
}

// Connect brings the shared connection up and starts the inbound dispatch
// loop. It returns once connecting has begun; subscribe calls made before the
// session is up are replayed when it connects.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.group != nil {
		return connection.ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := c.conn.Connect(runCtx); err != nil {
		cancel()
		return err
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := c.disp.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	c.group = g
	c.cancel = cancel
	return nil
}

// Close tears everything down: the dispatch loop, the connection, and any
// pending reconnect schedule. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	group := c.group
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.disp.Close()
	c.conn.Disconnect()
	if group != nil {
		return group.Wait()
	}
	return nil
}

// Subscribe attaches a consumer to a channel. See registry.Registry.Subscribe.
func (c *Client) Subscribe(ctx context.Context, channel string, kind registry.Kind, bindings []registry.Binding, opts *registry.Options) (registry.Handle, error) {
	return c.reg.Subscribe(ctx, channel, kind, bindings, opts)
}

// Unsubscribe detaches a consumer. The channel itself is torn down only after
// the grace period with no remaining consumers.
func (c *Client) Unsubscribe(h registry.Handle) error {
	return c.reg.Unsubscribe(h)
}

// Activate starts the network subscribe for a channel mounted with
// ManualSubscribe.
func (c *Client) Activate(h registry.Handle) error {
	return c.reg.Activate(h)
}

// Send publishes a message to a channel.
func (c *Client) Send(ctx context.Context, channel, event string, payload []byte, opts dispatch.SendOptions) error {
	return c.disp.Send(ctx, channel, event, payload, opts)
}

// History returns buffered events for a channel, oldest first.
func (c *Client) History(channel string) []registry.Event {
	return c.disp.History(channel)
}

// ConnectionState reports the current connection state.
func (c *Client) ConnectionState() connection.State {
	return c.conn.State()
}

// SocketID returns the service-assigned session id, empty when disconnected.
func (c *Client) SocketID() string {
	return c.conn.SocketID()
}

// OnConnectionStateChange registers a state listener and returns its remover.
func (c *Client) OnConnectionStateChange(fn func(connection.StateChange)) func() {
	return c.conn.OnStateChange(fn)
}

// Members returns the current member set of a presence channel, or nil for
// channels without presence.
func (c *Client) Members(channel string) []presence.Member {
	tracker := c.reg.Tracker(channel)
	if tracker == nil {
		return nil
	}
	return tracker.Members()
}

// ChannelStats reports registry counters.
func (c *Client) ChannelStats() registry.Stats {
	return c.reg.Stats()
}

// RateStats reports per-class token bucket occupancy.
func (c *Client) RateStats() map[rate.Class]rate.BudgetStats {
	return c.gov.Stats()
}

func budget(b config.BudgetConfig) rate.Budget {
	return rate.Budget{
		Capacity:        b.Capacity,
		RefillPerSecond: b.RefillPerSecond,
		QueueSize:       b.QueueSize,
	}
}
