package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/mstrand/realtime-core/internal/rate"
)

func TestClient_AuthorizeSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}

		var req authRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ChannelName != "private-room" {
			t.Errorf("channel_name = %q", req.ChannelName)
		}
		if req.SocketID != "sock-1" {
			t.Errorf("socket_id = %q", req.SocketID)
		}

		json.NewEncoder(w).Encode(Token{Auth: "key:signature"})
	}))
	defer server.Close()

	c := NewClient(server.URL)
	token, err := c.Authorize(context.Background(), "private-room", "sock-1")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if token.Auth != "key:signature" {
		t.Errorf("Auth = %q, want %q", token.Auth, "key:signature")
	}
}

func TestClient_AuthorizeDenied(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		c := NewClient(server.URL)
		_, err := c.Authorize(context.Background(), "private-room", "sock-1")
		if !errors.Is(err, ErrDenied) {
			t.Errorf("status %d: err = %v, want ErrDenied", status, err)
		}
		server.Close()
	}
}

func TestClient_AuthorizeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	_, err := c.Authorize(context.Background(), "private-room", "sock-1")

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", statusErr.StatusCode)
	}
}

func TestClient_RateHeadersRecalibrateGovernor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "100")
		w.Header().Set("X-RateLimit-Remaining", "10")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(30*time.Second).Unix(), 10))
		json.NewEncoder(w).Encode(Token{Auth: "a"})
	}))
	defer server.Close()

	g := rate.NewGovernor(map[rate.Class]rate.Budget{
		rate.ClassHTTP: {Capacity: 100, RefillPerSecond: 1, QueueSize: 10},
	}, nil)

	c := NewClient(server.URL, WithGovernor(g))
	if _, err := c.Authorize(context.Background(), "private-room", "sock-1"); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	// Remote said 10 remaining vs ~99 local: bucket must resync down.
	stats := g.Stats()[rate.ClassHTTP]
	if stats.Tokens > 12 {
		t.Errorf("tokens = %v, want resynced to ~10", stats.Tokens)
	}
}
