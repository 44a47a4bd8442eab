package avatar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// callLog records named calls across the fake service and fake transport so
// tests can assert cross-component ordering.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(name string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == name {
			n++
		}
	}
	return n
}

func (l *callLog) indexOf(name string) int {
	for i, c := range l.snapshot() {
		if c == name {
			return i
		}
	}
	return -1
}

// fakeAvatarService is an in-process stand-in for the remote avatar
// service: the five control-plane endpoints plus the event-channel
// websocket.
type fakeAvatarService struct {
	t   *testing.T
	log *callLog
	srv *httptest.Server

	mu          sync.Mutex
	taskStatus  int
	startStatus int
	stopStatus  int
	tasks       []map[string]any
	eventConns  []*websocket.Conn
}

func newFakeAvatarService(t *testing.T, log *callLog) *fakeAvatarService {
	t.Helper()
	if log == nil {
		log = &callLog{}
	}
	f := &fakeAvatarService{
		t:           t,
		log:         log,
		taskStatus:  http.StatusOK,
		startStatus: http.StatusOK,
		stopStatus:  http.StatusOK,
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/streaming.create_token", func(w http.ResponseWriter, r *http.Request) {
		f.log.add("create_token")
		if r.Header.Get("X-Api-Key") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{"data": map[string]any{"token": "tok1"}})
	})
	mux.HandleFunc("/v1/streaming.new", func(w http.ResponseWriter, r *http.Request) {
		f.log.add("create_session")
		writeJSON(w, map[string]any{"data": map[string]any{
			"session_id":   "sess1",
			"url":          "wss://x",
			"access_token": "tok2",
		}})
	})
	mux.HandleFunc("/v1/streaming.start", func(w http.ResponseWriter, r *http.Request) {
		f.log.add("start_streaming")
		f.mu.Lock()
		status := f.startStatus
		f.mu.Unlock()
		w.WriteHeader(status)
	})
	mux.HandleFunc("/v1/streaming.task", func(w http.ResponseWriter, r *http.Request) {
		f.log.add("send_task")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.tasks = append(f.tasks, body)
		status := f.taskStatus
		f.mu.Unlock()
		w.WriteHeader(status)
	})
	mux.HandleFunc("/v1/streaming.stop", func(w http.ResponseWriter, r *http.Request) {
		f.log.add("stop_session")
		f.mu.Lock()
		status := f.stopStatus
		f.mu.Unlock()
		w.WriteHeader(status)
	})
	mux.HandleFunc("/v1/ws/streaming.chat", func(w http.ResponseWriter, r *http.Request) {
		f.log.add("event_channel_open")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.eventConns = append(f.eventConns, conn)
		f.mu.Unlock()
		// Keep the connection open; tests push events via pushEvent.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAvatarService) URL() string { return f.srv.URL }

func (f *fakeAvatarService) setTaskStatus(status int)  { f.mu.Lock(); f.taskStatus = status; f.mu.Unlock() }
func (f *fakeAvatarService) setStartStatus(status int) { f.mu.Lock(); f.startStatus = status; f.mu.Unlock() }

func (f *fakeAvatarService) sentTasks() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.tasks...)
}

// pushEvent writes a raw frame on the most recent event-channel connection.
func (f *fakeAvatarService) pushEvent(raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.eventConns) == 0 {
		f.t.Fatalf("no event channel connection to push to")
	}
	conn := f.eventConns[len(f.eventConns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		f.t.Fatalf("push event: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fakeTransport implements Transport in memory and lets tests drive track
// and disconnect events by hand.
type fakeTransport struct {
	log *callLog

	mu       sync.Mutex
	handlers TransportHandlers
	prepared bool

	prepareErr error
	connectErr error
}

func newFakeTransport(log *callLog) *fakeTransport {
	if log == nil {
		log = &callLog{}
	}
	return &fakeTransport{log: log}
}

func (ft *fakeTransport) PrepareConnection(ctx context.Context, url, token string, handlers TransportHandlers) error {
	ft.log.add("transport_prepare")
	if ft.prepareErr != nil {
		return ft.prepareErr
	}
	ft.mu.Lock()
	ft.handlers = handlers
	ft.prepared = true
	ft.mu.Unlock()
	return nil
}

func (ft *fakeTransport) Connect(ctx context.Context) error {
	ft.log.add("transport_connect")
	return ft.connectErr
}

func (ft *fakeTransport) Disconnect() {
	ft.log.add("transport_disconnect")
}

func (ft *fakeTransport) currentHandlers() TransportHandlers {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.handlers
}

func (ft *fakeTransport) subscribeTrack(track Track) {
	if h := ft.currentHandlers(); h.OnTrackSubscribed != nil {
		h.OnTrackSubscribed(track)
	}
}

func (ft *fakeTransport) unsubscribeTrack(track Track) {
	if h := ft.currentHandlers(); h.OnTrackUnsubscribed != nil {
		h.OnTrackUnsubscribed(track)
	}
}

func (ft *fakeTransport) drop(reason DisconnectReason) {
	if h := ft.currentHandlers(); h.OnDisconnected != nil {
		h.OnDisconnected(reason)
	}
}

// fakeTrack is an in-memory Track.
type fakeTrack struct {
	id   string
	kind TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newFakeTrack(id string, kind TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (tr *fakeTrack) ID() string      { return tr.id }
func (tr *fakeTrack) Kind() TrackKind { return tr.kind }

func (tr *fakeTrack) SetEnabled(enabled bool) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.enabled = enabled
	return nil
}

func (tr *fakeTrack) Stop() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.stopped = true
}

func (tr *fakeTrack) isStopped() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.stopped
}

func (tr *fakeTrack) isEnabled() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.enabled
}

// recordingSink counts sink binds so tests can assert the
// exactly-once-and-only-when-ready property.
type recordingSink struct {
	mu      sync.Mutex
	binds   int
	unbinds int
	bound   *MediaAggregate
}

func (s *recordingSink) Bind(aggregate *MediaAggregate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binds++
	s.bound = aggregate
}

func (s *recordingSink) Unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unbinds++
	s.bound = nil
}

func (s *recordingSink) bindCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binds
}
