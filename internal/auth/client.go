package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mstrand/realtime-core/internal/rate"
)

// ErrDenied means the authorization collaborator rejected the channel.
var ErrDenied = errors.New("auth: channel authorization denied")

// StatusError is a non-denial HTTP failure from the authorization endpoint.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("auth endpoint error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Token is the authorization result for a private or presence channel.
type Token struct {
	Auth        string          `json:"auth"`
	ChannelData json.RawMessage `json:"channel_data,omitempty"`
}

// AuthorizeFunc authorizes one channel for one socket. The collaborator
// behind it is opaque; tests inject plain functions.
type AuthorizeFunc func(ctx context.Context, channel, socketID string) (Token, error)

// Client calls an HTTP authorization endpoint for private/presence channels.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	governor   *rate.Governor
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates an authorization client for the given endpoint.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithGovernor routes calls through the governor's http class and feeds
// rate-limit response headers back into it.
func WithGovernor(g *rate.Governor) ClientOption {
	return func(c *Client) {
		c.governor = g
	}
}

type authRequest struct {
	ChannelName string `json:"channel_name"`
	SocketID    string `json:"socket_id"`
}

// Authorize requests a channel token. 401 and 403 map to ErrDenied; other
// failing statuses surface as *StatusError.
func (c *Client) Authorize(ctx context.Context, channel, socketID string) (Token, error) {
	if c.governor != nil {
		if err := c.governor.Admit(ctx, rate.ClassHTTP); err != nil {
			return Token{}, err
		}
	}

	body, err := json.Marshal(authRequest{ChannelName: channel, SocketID: socketID})
	if err != nil {
		return Token{}, fmt.Errorf("marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	c.recalibrate(resp.Header)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("read auth response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.logger.Debug("authorization denied",
			"channel", channel,
			"status", resp.StatusCode,
		)
		return Token{}, fmt.Errorf("%w: channel %s", ErrDenied, channel)
	case resp.StatusCode >= 400:
		return Token{}, &StatusError{StatusCode: resp.StatusCode, Body: respBody}
	}

	var token Token
	if err := json.Unmarshal(respBody, &token); err != nil {
		return Token{}, fmt.Errorf("unmarshal auth response: %w", err)
	}
	return token, nil
}

// recalibrate feeds rate-limit telemetry headers into the governor.
func (c *Client) recalibrate(h http.Header) {
	if c.governor == nil {
		return
	}

	limit, err1 := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	remaining, err2 := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	reset, err3 := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}

	c.governor.Recalibrate(rate.ClassHTTP, limit, remaining, time.Unix(reset, 0))
}
