package avatar

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// eventServer is a minimal websocket endpoint that records the query a
// client dialed with and replays scripted frames.
type eventServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	frames chan []byte
	query  chan url.Values
}

func newEventServer(t *testing.T) *eventServer {
	t.Helper()
	es := &eventServer{
		frames: make(chan []byte, 16),
		query:  make(chan url.Values, 1),
	}
	es.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		es.query <- r.URL.Query()
		conn, err := es.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for frame := range es.frames {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		// Keep the connection open until the client closes its side.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(es.srv.Close)
	return es
}

func (es *eventServer) push(frame string) {
	es.frames <- []byte(frame)
}

func (es *eventServer) finish() {
	close(es.frames)
}

func (es *eventServer) dialedQuery(t *testing.T) url.Values {
	t.Helper()
	select {
	case q := <-es.query:
		return q
	case <-time.After(5 * time.Second):
		t.Fatalf("server never saw a dial")
		return nil
	}
}

func openTestChannel(t *testing.T, es *eventServer, req EventChannelRequest) *EventChannel {
	t.Helper()
	client := NewClient("abc123", WithBaseURL(es.srv.URL))
	ch, err := client.OpenEventChannel(context.Background(), req)
	if err != nil {
		t.Fatalf("OpenEventChannel error: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func nextEvent(t *testing.T, ch *EventChannel) Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		if !ok {
			t.Fatalf("event channel closed while waiting for event")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}

func TestEventChannel_DialQuery(t *testing.T) {
	t.Parallel()

	es := newEventServer(t)
	openTestChannel(t, es, EventChannelRequest{
		SessionID:    "sess1",
		SessionToken: "tok1",
		OpeningText:  "hello there",
		Language:     "pt-BR",
	})

	q := es.dialedQuery(t)
	if got := q.Get("session_id"); got != "sess1" {
		t.Fatalf("session_id=%q, want %q", got, "sess1")
	}
	if got := q.Get("session_token"); got != "tok1" {
		t.Fatalf("session_token=%q, want %q", got, "tok1")
	}
	if got := q.Get("silence_response"); got != "false" {
		t.Fatalf("silence_response=%q, want %q", got, "false")
	}
	if got := q.Get("opening_text"); got != "hello there" {
		t.Fatalf("opening_text=%q, want %q", got, "hello there")
	}
	if got := q.Get("stt_language"); got != "pt" {
		t.Fatalf("stt_language=%q, want %q", got, "pt")
	}
	es.finish()
}

func TestEventChannel_DecodesTalkingEvents(t *testing.T) {
	t.Parallel()

	es := newEventServer(t)
	ch := openTestChannel(t, es, EventChannelRequest{SessionID: "sess1", SessionToken: "tok1"})

	es.push(`{"type":"avatar_talking_start"}`)
	es.push(`{"type":"avatar_talking_end"}`)
	es.push(`{"type":"user_talking_start"}`)
	es.push(`{"type":"user_talking_end"}`)
	es.finish()

	if _, ok := nextEvent(t, ch).(AvatarTalkingStartEvent); !ok {
		t.Fatalf("expected AvatarTalkingStartEvent")
	}
	if _, ok := nextEvent(t, ch).(AvatarTalkingEndEvent); !ok {
		t.Fatalf("expected AvatarTalkingEndEvent")
	}
	if _, ok := nextEvent(t, ch).(UserTalkingStartEvent); !ok {
		t.Fatalf("expected UserTalkingStartEvent")
	}
	if _, ok := nextEvent(t, ch).(UserTalkingEndEvent); !ok {
		t.Fatalf("expected UserTalkingEndEvent")
	}
}

func TestEventChannel_SkipsMalformedFrames(t *testing.T) {
	t.Parallel()

	es := newEventServer(t)
	ch := openTestChannel(t, es, EventChannelRequest{SessionID: "sess1", SessionToken: "tok1"})

	es.push(`this is not json`)
	es.push(`{"no_type":"here"}`)
	es.push(`{"type":"avatar_talking_start"}`)
	es.finish()

	if _, ok := nextEvent(t, ch).(AvatarTalkingStartEvent); !ok {
		t.Fatalf("expected AvatarTalkingStartEvent after malformed frames")
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := ch.Err(); err != nil {
		t.Fatalf("malformed frames must not be terminal, got %v", err)
	}
}

func TestEventChannel_UnknownEventPassthrough(t *testing.T) {
	t.Parallel()

	es := newEventServer(t)
	ch := openTestChannel(t, es, EventChannelRequest{SessionID: "sess1", SessionToken: "tok1"})

	es.push(`{"type":"avatar_sneezed","detail":42}`)
	es.finish()

	ev := nextEvent(t, ch)
	unknown, ok := ev.(UnknownEvent)
	if !ok {
		t.Fatalf("event=%T, want UnknownEvent", ev)
	}
	if unknown.Type != "avatar_sneezed" {
		t.Fatalf("type=%q, want %q", unknown.Type, "avatar_sneezed")
	}
	if !strings.Contains(string(unknown.Raw), `"detail":42`) {
		t.Fatalf("raw=%q, want original payload preserved", unknown.Raw)
	}
}

func TestEventChannel_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	es := newEventServer(t)
	ch := openTestChannel(t, es, EventChannelRequest{SessionID: "sess1", SessionToken: "tok1"})
	es.finish()

	for i := 0; i < 3; i++ {
		if err := ch.Close(); err != nil {
			t.Fatalf("Close #%d error: %v", i+1, err)
		}
	}
	if err := ch.Err(); err != nil {
		t.Fatalf("client-initiated close must not be terminal, got %v", err)
	}
}

func TestEventChannel_NormalServerCloseIsClean(t *testing.T) {
	t.Parallel()

	es := newEventServer(t)
	ch := openTestChannel(t, es, EventChannelRequest{SessionID: "sess1", SessionToken: "tok1"})
	es.finish()

	select {
	case _, ok := <-ch.Events():
		if ok {
			t.Fatalf("expected channel to drain and close")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for channel close")
	}
	if err := ch.Err(); err != nil {
		t.Fatalf("normal closure must not be terminal, got %v", err)
	}
}

func TestOpenEventChannel_DialFailureIsTransportError(t *testing.T) {
	t.Parallel()

	client := NewClient("abc123", WithBaseURL("http://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.OpenEventChannel(ctx, EventChannelRequest{SessionID: "sess1", SessionToken: "secret"})

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("error=%v, want *TransportError", err)
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("error text leaks the session token: %v", err)
	}
}

func TestSTTLanguage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		tag  string
		want string
	}{
		{"en-US", "en"},
		{"pt-BR", "pt"},
		{"de", "de"},
		{"", "en"},
		{"  ", "en"},
	}
	for _, tc := range cases {
		if got := sttLanguage(tc.tag); got != tc.want {
			t.Fatalf("sttLanguage(%q)=%q, want %q", tc.tag, got, tc.want)
		}
	}
}
