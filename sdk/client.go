// Package avatar provides the avatar-lite SDK for Go.
//
// The SDK drives realtime streaming-avatar sessions against the remote
// avatar service: it exchanges the caller's long-lived API key for a
// short-lived session token, negotiates a session, binds the media
// transport, and relays talking/listening state from the event channel.
package avatar

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

const defaultBaseURL = "https://api.heygen.com"

// Client is the control-plane client for the avatar service. It owns the
// HTTP calls (token exchange, session negotiation, streaming start, task
// dispatch, session stop); realtime media and events are handled by
// Transport implementations and the EventChannel.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewClient creates a control-plane client. The long-lived API key is an
// explicit argument; the SDK never reads it from ambient storage.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: defaultBaseURL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = newDefaultHTTPClient()
	}
	return c
}

// BaseURL returns the configured service base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Logger returns the client logger.
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// startSpan opens a tracing span when a tracer is configured; otherwise it
// returns the context unchanged and a no-op end function.
func (c *Client) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if c.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := c.tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}
