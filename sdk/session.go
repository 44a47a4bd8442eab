package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a SessionController.
type SessionState int

const (
	StateIdle SessionState = iota
	StateInitializing
	StateAwaitingMedia
	StateReady
	StateClosing
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateAwaitingMedia:
		return "awaiting_media"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Snapshot is the read-only view pushed to the UI collaborator. Talking and
// Listening are meaningful only while SessionReady is true.
type Snapshot struct {
	State        SessionState
	Loading      bool
	SessionReady bool
	Talking      bool
	Listening    bool
	Muted        bool
	VideoOff     bool
	Err          error
}

// errStartAborted marks a start sequence cut short by a concurrent Close.
var errStartAborted = errors.New("session closed during start")

// SessionOption configures a SessionController.
type SessionOption func(*SessionController)

// WithAvatar selects the avatar rendered by the remote service.
func WithAvatar(avatarID string) SessionOption {
	return func(sc *SessionController) {
		sc.avatarID = avatarID
	}
}

// WithVoice selects the synthesis voice.
func WithVoice(voiceID string) SessionOption {
	return func(sc *SessionController) {
		sc.voiceID = voiceID
	}
}

// WithLanguage sets the caller's language tag (for example "en-US") used
// for speech recognition on the event channel.
func WithLanguage(tag string) SessionOption {
	return func(sc *SessionController) {
		sc.language = tag
	}
}

// WithGreeting sets a greeting the avatar speaks once the session becomes
// ready. The same text rides the event channel's opening_text parameter.
// Greeting dispatch is best-effort.
func WithGreeting(text string) SessionOption {
	return func(sc *SessionController) {
		sc.greeting = text
	}
}

// WithNotify registers the state-change callback. The callback runs outside
// the controller lock and must not block for long.
func WithNotify(fn func(Snapshot)) SessionOption {
	return func(sc *SessionController) {
		sc.notify = fn
	}
}

// SessionController sequences one avatar session end to end: credential
// exchange, session negotiation, media transport binding, and the event
// channel. It exclusively owns the session token, descriptor, aggregate,
// and live handles; collaborators only observe Snapshots.
type SessionController struct {
	client    *Client
	transport Transport
	sink      MediaSink
	logger    *slog.Logger

	avatarID string
	voiceID  string
	language string
	greeting string
	notify   func(Snapshot)

	mu             sync.Mutex
	state          SessionState
	sessionToken   string
	descriptor     *SessionDescriptor
	aggregate      *MediaAggregate
	channel        *EventChannel
	talking        bool
	listening      bool
	muted          bool
	videoOff       bool
	sinkBound      bool
	greetingSent   bool
	closeRequested bool
	lastErr        error
	startDone      chan struct{}
	attemptID      string
}

// NewSessionController creates a controller for one avatar at a time.
// transport and sink must not be nil; use NopSink for headless sessions.
func NewSessionController(client *Client, transport Transport, sink MediaSink, opts ...SessionOption) *SessionController {
	sc := &SessionController{
		client:    client,
		transport: transport,
		sink:      sink,
		logger:    client.logger,
		language:  "en-US",
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// State returns the current lifecycle state.
func (sc *SessionController) State() SessionState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// Snapshot returns the current read-only view.
func (sc *SessionController) Snapshot() Snapshot {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.snapshotLocked()
}

func (sc *SessionController) snapshotLocked() Snapshot {
	return Snapshot{
		State:        sc.state,
		Loading:      sc.state == StateInitializing || sc.state == StateAwaitingMedia,
		SessionReady: sc.state == StateReady,
		Talking:      sc.talking,
		Listening:    sc.listening,
		Muted:        sc.muted,
		VideoOff:     sc.videoOff,
		Err:          sc.lastErr,
	}
}

func (sc *SessionController) publish() {
	sc.mu.Lock()
	snap := sc.snapshotLocked()
	fn := sc.notify
	sc.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// Start runs the full session bring-up: token exchange, session creation,
// transport prepare, event channel, streaming start, and finally the
// media-admitting connect. It returns once media is being negotiated;
// readiness is reported through Snapshots when the first audio+video track
// pair arrives. A second session must not be started while one is open.
func (sc *SessionController) Start(ctx context.Context) error {
	sc.mu.Lock()
	if sc.state != StateIdle && sc.state != StateFailed {
		state := sc.state
		sc.mu.Unlock()
		return fmt.Errorf("session already active (state %s)", state)
	}
	sc.lastErr = nil
	sc.closeRequested = false
	sc.greetingSent = false
	sc.sinkBound = false
	sc.talking = false
	sc.listening = false
	sc.state = StateInitializing
	sc.attemptID = uuid.NewString()
	attemptID := sc.attemptID
	done := make(chan struct{})
	sc.startDone = done
	sc.mu.Unlock()

	defer func() {
		sc.mu.Lock()
		sc.startDone = nil
		sc.mu.Unlock()
		close(done)
	}()

	sc.publish()
	sc.logger.Info("starting avatar session", "attempt", attemptID, "avatar", sc.avatarID)

	err := sc.runStart(ctx)
	switch {
	case errors.Is(err, errStartAborted):
		sc.logger.Info("session closed during start", "attempt", attemptID)
		sc.teardown(ctx)
		return nil
	case err != nil:
		sc.logger.Error("session start failed", "attempt", attemptID, "error", err)
		sc.fail(ctx, err)
		return err
	}

	sc.mu.Lock()
	requested := sc.closeRequested
	sc.mu.Unlock()
	if requested {
		sc.teardown(ctx)
	}
	return nil
}

func (sc *SessionController) runStart(ctx context.Context) error {
	token, err := sc.client.CreateSessionToken(ctx)
	if err != nil {
		return err
	}
	if sc.abortRequested() {
		return errStartAborted
	}
	sc.mu.Lock()
	sc.sessionToken = token
	sc.mu.Unlock()

	desc, err := sc.client.CreateSession(ctx, token, sc.avatarID, sc.voiceID)
	if err != nil {
		return err
	}
	if sc.abortRequested() {
		return errStartAborted
	}

	aggregate := NewMediaAggregate()
	sc.mu.Lock()
	sc.descriptor = desc
	sc.aggregate = aggregate
	sc.state = StateAwaitingMedia
	sc.mu.Unlock()
	sc.publish()

	handlers := TransportHandlers{
		OnTrackSubscribed:   sc.handleTrackSubscribed,
		OnTrackUnsubscribed: sc.handleTrackUnsubscribed,
		OnDisconnected:      sc.handleDisconnected,
		OnDataReceived:      sc.handleDataReceived,
	}
	if err := sc.transport.PrepareConnection(ctx, desc.TransportURL, desc.AccessToken, handlers); err != nil {
		return NewMediaTransportError("prepare connection", err)
	}
	if sc.abortRequested() {
		return errStartAborted
	}

	// The event channel has no ordering dependency on the media transport;
	// its dial failures are reported, not session-fatal.
	channel, err := sc.client.OpenEventChannel(ctx, EventChannelRequest{
		SessionID:    desc.SessionID,
		SessionToken: token,
		OpeningText:  sc.greeting,
		Language:     sc.language,
	})
	if err != nil {
		sc.logger.Warn("event channel unavailable", "error", err)
	} else {
		sc.mu.Lock()
		sc.channel = channel
		sc.mu.Unlock()
		go sc.consumeEvents(channel)
	}
	if sc.abortRequested() {
		return errStartAborted
	}

	// Streaming must be started remotely before the transport admits media;
	// connecting first yields a session with no media flow.
	if err := sc.client.StartStreaming(ctx, token, desc.SessionID); err != nil {
		return err
	}
	if sc.abortRequested() {
		return errStartAborted
	}

	if err := sc.transport.Connect(ctx); err != nil {
		return NewMediaTransportError("connect", err)
	}
	return nil
}

func (sc *SessionController) abortRequested() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.closeRequested
}

// Close tears the session down: event channel, media transport, local
// tracks, then the best-effort remote stop. It is idempotent and safe to
// call from any state; a Close racing an in-flight Start waits for the
// current operation to finish before releasing resources.
func (sc *SessionController) Close(ctx context.Context) error {
	for {
		sc.mu.Lock()
		if sc.state == StateIdle || sc.state == StateClosing {
			sc.mu.Unlock()
			return nil
		}
		if sc.startDone != nil {
			sc.closeRequested = true
			done := sc.startDone
			sc.mu.Unlock()
			<-done
			// The start sequence may have finished cleanly before it saw the
			// close request; re-check rather than assume it tore down.
			continue
		}
		sc.closeRequested = true
		sc.mu.Unlock()
		break
	}

	sc.teardown(ctx)
	return nil
}

// teardown releases every session resource and returns the controller to
// Idle. Stop-session failures are logged, never propagated.
func (sc *SessionController) teardown(ctx context.Context) {
	channel, aggregate, token, sessionID := sc.beginRelease()

	sc.releaseMedia(channel, aggregate)
	sc.stopRemote(ctx, token, sessionID)

	sc.mu.Lock()
	sc.clearLocked()
	sc.lastErr = nil
	sc.state = StateIdle
	sc.mu.Unlock()
	sc.publish()
}

// fail releases resources like teardown but lands in Failed, retaining the
// error for display.
func (sc *SessionController) fail(ctx context.Context, cause error) {
	channel, aggregate, token, sessionID := sc.beginRelease()

	sc.releaseMedia(channel, aggregate)
	sc.stopRemote(ctx, token, sessionID)

	sc.mu.Lock()
	sc.clearLocked()
	sc.lastErr = cause
	sc.state = StateFailed
	sc.mu.Unlock()
	sc.publish()
}

// beginRelease flips the state to Closing and detaches the live handles so
// transport callbacks firing mid-teardown see a closing session.
func (sc *SessionController) beginRelease() (*EventChannel, *MediaAggregate, string, string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.state = StateClosing
	channel := sc.channel
	sc.channel = nil
	aggregate := sc.aggregate
	token := sc.sessionToken
	sessionID := ""
	if sc.descriptor != nil {
		sessionID = sc.descriptor.SessionID
	}
	return channel, aggregate, token, sessionID
}

func (sc *SessionController) releaseMedia(channel *EventChannel, aggregate *MediaAggregate) {
	if channel != nil {
		_ = channel.Close()
	}
	sc.transport.Disconnect()
	if aggregate != nil {
		aggregate.StopAll()
	}
	sc.sink.Unbind()
}

func (sc *SessionController) stopRemote(ctx context.Context, token, sessionID string) {
	if token == "" || sessionID == "" {
		return
	}
	if err := sc.client.StopSession(ctx, token, sessionID); err != nil {
		sc.logger.Warn("stop session failed", "session_id", sessionID, "error", err)
	}
}

func (sc *SessionController) clearLocked() {
	sc.sessionToken = ""
	sc.descriptor = nil
	sc.aggregate = nil
	sc.sinkBound = false
	sc.greetingSent = false
	sc.closeRequested = false
	sc.talking = false
	sc.listening = false
}

// SendText dispatches a text utterance to the live session. With no active
// session it fails fast without any network call. A dispatch failure is a
// point failure: the session state is left unchanged.
func (sc *SessionController) SendText(ctx context.Context, text string, taskType TaskType) error {
	sc.mu.Lock()
	token := sc.sessionToken
	sessionID := ""
	if sc.descriptor != nil {
		sessionID = sc.descriptor.SessionID
	}
	sc.mu.Unlock()

	if token == "" || sessionID == "" {
		return NewNoActiveSessionError()
	}
	return sc.client.SendTask(ctx, token, sessionID, text, taskType)
}

// ToggleMute flips audio playback and returns the new muted state.
func (sc *SessionController) ToggleMute() bool {
	sc.mu.Lock()
	sc.muted = !sc.muted
	muted := sc.muted
	aggregate := sc.aggregate
	sc.mu.Unlock()

	if aggregate != nil {
		if err := aggregate.SetKindEnabled(TrackKindAudio, !muted); err != nil {
			sc.logger.Warn("toggle mute", "error", err)
		}
	}
	sc.publish()
	return muted
}

// ToggleVideo flips video playback and returns the new video-off state.
func (sc *SessionController) ToggleVideo() bool {
	sc.mu.Lock()
	sc.videoOff = !sc.videoOff
	videoOff := sc.videoOff
	aggregate := sc.aggregate
	sc.mu.Unlock()

	if aggregate != nil {
		if err := aggregate.SetKindEnabled(TrackKindVideo, !videoOff); err != nil {
			sc.logger.Warn("toggle video", "error", err)
		}
	}
	sc.publish()
	return videoOff
}

// handleTrackSubscribed accumulates inbound tracks and binds the sink the
// moment the aggregate first holds both kinds. Stray events outside an
// active session are dropped.
func (sc *SessionController) handleTrackSubscribed(track Track) {
	sc.mu.Lock()
	if sc.state != StateAwaitingMedia && sc.state != StateReady {
		sc.mu.Unlock()
		return
	}
	aggregate := sc.aggregate
	if aggregate == nil || !aggregate.Add(track) {
		sc.mu.Unlock()
		return
	}
	if (track.Kind() == TrackKindAudio && sc.muted) || (track.Kind() == TrackKindVideo && sc.videoOff) {
		_ = track.SetEnabled(false)
	}

	becameReady := false
	if !sc.sinkBound && aggregate.Ready() {
		sc.sinkBound = true
		if sc.state == StateAwaitingMedia {
			sc.state = StateReady
		}
		becameReady = true
	}
	greeting := ""
	token := ""
	sessionID := ""
	if becameReady && sc.greeting != "" && !sc.greetingSent {
		sc.greetingSent = true
		greeting = sc.greeting
		token = sc.sessionToken
		if sc.descriptor != nil {
			sessionID = sc.descriptor.SessionID
		}
	}
	sc.mu.Unlock()

	if !becameReady {
		return
	}
	sc.sink.Bind(aggregate)
	sc.logger.Info("media stream ready")
	sc.publish()

	if greeting != "" && sessionID != "" {
		go func() {
			if err := sc.client.SendTask(context.Background(), token, sessionID, greeting, TaskTypeTalk); err != nil {
				sc.logger.Warn("greeting dispatch failed", "error", err)
			}
		}()
	}
}

func (sc *SessionController) handleTrackUnsubscribed(track Track) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.aggregate != nil && track != nil {
		sc.aggregate.Remove(track.ID())
	}
}

// handleDisconnected reacts to transport drops. A drop during a requested
// close is part of normal teardown; anything else is session-fatal.
func (sc *SessionController) handleDisconnected(reason DisconnectReason) {
	sc.mu.Lock()
	if sc.state == StateIdle || sc.state == StateClosing || sc.closeRequested || reason == DisconnectReasonClientRequested {
		sc.mu.Unlock()
		return
	}
	sc.mu.Unlock()

	sc.logger.Warn("media transport disconnected", "reason", reason.String())
	sc.fail(context.Background(), NewMediaTransportError("transport disconnected: "+reason.String(), nil))
}

func (sc *SessionController) handleDataReceived(payload []byte) {
	sc.logger.Debug("room message", "payload", truncateForLog(payload))
}

// consumeEvents drives the talking/listening flags from event-channel
// messages. Flags apply only while the session is ready; channel errors
// are reported as status, never treated as session-fatal.
func (sc *SessionController) consumeEvents(channel *EventChannel) {
	for event := range channel.Events() {
		changed := false
		sc.mu.Lock()
		if sc.state == StateReady {
			switch event.(type) {
			case AvatarTalkingStartEvent:
				changed = !sc.talking
				sc.talking = true
			case AvatarTalkingEndEvent:
				changed = sc.talking
				sc.talking = false
			case UserTalkingStartEvent:
				changed = !sc.listening
				sc.listening = true
			case UserTalkingEndEvent:
				changed = sc.listening
				sc.listening = false
			}
		}
		sc.mu.Unlock()
		if changed {
			sc.publish()
		}
	}
	if err := channel.Err(); err != nil {
		sc.logger.Warn("event channel closed", "status", err.Error())
	}
}
