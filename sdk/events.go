package avatar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const defaultEventDialTimeout = 15 * time.Second

// Event is a semantic state event received on the event channel.
type Event interface {
	eventType() string
}

// AvatarTalkingStartEvent signals that the avatar began speaking.
type AvatarTalkingStartEvent struct{}

func (AvatarTalkingStartEvent) eventType() string { return "avatar_talking_start" }

// AvatarTalkingEndEvent signals that the avatar finished speaking.
type AvatarTalkingEndEvent struct{}

func (AvatarTalkingEndEvent) eventType() string { return "avatar_talking_end" }

// UserTalkingStartEvent signals that the service detected user speech.
type UserTalkingStartEvent struct{}

func (UserTalkingStartEvent) eventType() string { return "user_talking_start" }

// UserTalkingEndEvent signals the end of detected user speech.
type UserTalkingEndEvent struct{}

func (UserTalkingEndEvent) eventType() string { return "user_talking_end" }

// UnknownEvent carries any event type the SDK does not model. Consumers
// ignore these; they must not destabilize the session.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) eventType() string { return e.Type }

// EventChannelRequest configures the secondary realtime connection.
type EventChannelRequest struct {
	SessionID    string
	SessionToken string
	// OpeningText is the greeting the avatar speaks when the session opens.
	OpeningText string
	// Language is the caller's language tag (for example "en-US"); only its
	// first path segment is sent as the speech-recognition language.
	Language string
}

// EventChannel is the secondary realtime connection carrying semantic
// talking/listening state and room-level data messages. It is independent
// of the media transport: its errors are reported, not session-fatal.
type EventChannel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// OpenEventChannel dials the signaling endpoint for an existing session.
func (c *Client) OpenEventChannel(ctx context.Context, req EventChannelRequest) (*EventChannel, error) {
	wsURL, err := c.eventChannelURL(req)
	if err != nil {
		return nil, err
	}

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultEventDialTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, &TransportError{Op: http.MethodGet, URL: wsURL, Err: err}
	}

	ch := &EventChannel{
		conn:   conn,
		logger: c.logger,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

func (c *Client) eventChannelURL(req EventChannelRequest) (string, error) {
	endpoint, err := c.endpoint(pathEventChannel)
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	}

	params := url.Values{}
	params.Set("session_id", req.SessionID)
	params.Set("session_token", req.SessionToken)
	params.Set("silence_response", "false")
	params.Set("opening_text", req.OpeningText)
	params.Set("stt_language", sttLanguage(req.Language))
	parsed.RawQuery = params.Encode()
	return parsed.String(), nil
}

// sttLanguage reduces a language tag to its primary subtag ("en-US" -> "en").
func sttLanguage(tag string) string {
	lang, _, _ := strings.Cut(strings.TrimSpace(tag), "-")
	if lang == "" {
		return "en"
	}
	return lang
}

// Events yields semantic state events until the channel closes.
func (ch *EventChannel) Events() <-chan Event {
	if ch == nil {
		return nil
	}
	return ch.events
}

// Close closes the websocket connection. It is safe to call repeatedly.
func (ch *EventChannel) Close() error {
	if ch == nil {
		return nil
	}
	ch.closeOnce.Do(func() {
		ch.closed.Store(true)
		ch.writeMu.Lock()
		_ = ch.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		ch.writeMu.Unlock()
		_ = ch.conn.Close()
	})
	<-ch.done
	return nil
}

// Err returns the terminal channel error, if any, once the channel closes.
func (ch *EventChannel) Err() error {
	if ch == nil {
		return nil
	}
	<-ch.done
	ch.errMu.Lock()
	defer ch.errMu.Unlock()
	return ch.err
}

func (ch *EventChannel) setErr(err error) {
	if err == nil {
		return
	}
	ch.errMu.Lock()
	defer ch.errMu.Unlock()
	if ch.err == nil {
		ch.err = err
	}
}

func (ch *EventChannel) readLoop() {
	defer close(ch.done)
	defer close(ch.events)

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if ch.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			ch.setErr(err)
			return
		}

		event, ok := decodeEvent(data)
		if !ok {
			// Malformed frames are dropped; an otherwise healthy session must
			// not be destabilized by one bad message.
			ch.logger.Warn("event channel: malformed message", "payload", truncateForLog(data))
			continue
		}
		ch.emit(event)
	}
}

func (ch *EventChannel) emit(event Event) {
	select {
	case ch.events <- event:
	default:
		// Avoid deadlocking the read loop if the consumer stops draining.
	}
}

func decodeEvent(data []byte) (Event, bool) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, false
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, false
	}

	switch typ {
	case "avatar_talking_start":
		return AvatarTalkingStartEvent{}, true
	case "avatar_talking_end":
		return AvatarTalkingEndEvent{}, true
	case "user_talking_start":
		return UserTalkingStartEvent{}, true
	case "user_talking_end":
		return UserTalkingEndEvent{}, true
	default:
		return UnknownEvent{Type: typ, Raw: append(json.RawMessage(nil), data...)}, true
	}
}

func truncateForLog(data []byte) string {
	const max = 256
	if len(data) <= max {
		return string(data)
	}
	return string(data[:max]) + "..."
}
