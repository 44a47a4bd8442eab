// Package livekit implements the avatar media transport on the LiveKit
// realtime SDK. The two connection phases map to a signal-only room join
// (no track subscriptions) followed by selective subscription to the
// remote audio and video publications once the avatar service has started
// streaming.
package livekit

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	avatar "github.com/kinetic-ai/avatar-lite/sdk"
)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// Transport connects to the LiveKit room named in the session descriptor
// and forwards track and data events to the session controller.
type Transport struct {
	logger *slog.Logger

	mu       sync.Mutex
	room     *lksdk.Room
	handlers avatar.TransportHandlers
	closing  bool
}

var _ avatar.Transport = (*Transport)(nil)

// New creates an unconnected transport.
func New(opts ...Option) *Transport {
	t := &Transport{logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// PrepareConnection joins the room signal path without subscribing to any
// track, so no media is admitted yet.
func (t *Transport) PrepareConnection(ctx context.Context, url, token string, handlers avatar.TransportHandlers) error {
	t.mu.Lock()
	if t.room != nil {
		t.mu.Unlock()
		return errors.New("transport already prepared")
	}
	t.handlers = handlers
	t.closing = false
	t.mu.Unlock()

	room, err := lksdk.ConnectToRoomWithToken(
		url,
		token,
		t.roomCallback(),
		lksdk.WithAutoSubscribe(false),
	)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.room = room
	t.mu.Unlock()

	t.logger.Info("prepared room connection", "room", room.Name())
	return nil
}

// Connect admits media by subscribing to the remote audio and video
// publications. PrepareConnection must have succeeded first.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	room := t.room
	t.mu.Unlock()
	if room == nil {
		return errors.New("transport connection not prepared")
	}

	var firstErr error
	for _, rp := range room.GetRemoteParticipants() {
		for _, pub := range rp.TrackPublications() {
			remotePub, ok := pub.(*lksdk.RemoteTrackPublication)
			if !ok || remotePub.IsSubscribed() {
				continue
			}
			if pub.Kind() != lksdk.TrackKindAudio && pub.Kind() != lksdk.TrackKindVideo {
				continue
			}
			if err := remotePub.SetSubscribed(true); err != nil {
				t.logger.Error("subscribe failed",
					"participant", rp.Identity(),
					"track", remotePub.SID(),
					"error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// Disconnect leaves the room. Safe to call repeatedly.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.closing = true
	room := t.room
	t.room = nil
	t.mu.Unlock()

	if room != nil {
		room.Disconnect()
	}
}

func (t *Transport) roomCallback() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				t.logger.Debug("track subscribed", "participant", rp.Identity(), "track", pub.SID(), "kind", string(pub.Kind()))
				if h := t.currentHandlers(); h.OnTrackSubscribed != nil {
					h.OnTrackSubscribed(&remoteTrack{pub: pub})
				}
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				t.logger.Debug("track unsubscribed", "participant", rp.Identity(), "track", pub.SID())
				if h := t.currentHandlers(); h.OnTrackUnsubscribed != nil {
					h.OnTrackUnsubscribed(&remoteTrack{pub: pub})
				}
			},
			OnDataPacket: func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
				payload := data.ToProto().GetUser().GetPayload()
				if len(payload) == 0 {
					return
				}
				if h := t.currentHandlers(); h.OnDataReceived != nil {
					h.OnDataReceived(payload)
				}
			},
		},
		OnReconnecting: func() {
			t.logger.Info("reconnecting to room")
		},
		OnReconnected: func() {
			t.logger.Info("reconnected to room")
		},
		OnDisconnected: func() {
			reason := avatar.DisconnectReasonServerDropped
			t.mu.Lock()
			if t.closing {
				reason = avatar.DisconnectReasonClientRequested
			}
			t.mu.Unlock()

			t.logger.Info("disconnected from room", "reason", reason.String())
			if h := t.currentHandlers(); h.OnDisconnected != nil {
				h.OnDisconnected(reason)
			}
		},
	}
}

func (t *Transport) currentHandlers() avatar.TransportHandlers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers
}

// remoteTrack adapts a LiveKit remote publication to the avatar Track
// interface. Enabling and disabling are expressed as selective
// subscription, which stops media forwarding at the server.
type remoteTrack struct {
	pub *lksdk.RemoteTrackPublication
}

var _ avatar.Track = (*remoteTrack)(nil)

func (rt *remoteTrack) ID() string {
	return rt.pub.SID()
}

func (rt *remoteTrack) Kind() avatar.TrackKind {
	switch rt.pub.Kind() {
	case lksdk.TrackKindVideo:
		return avatar.TrackKindVideo
	default:
		return avatar.TrackKindAudio
	}
}

func (rt *remoteTrack) SetEnabled(enabled bool) error {
	return rt.pub.SetSubscribed(enabled)
}

func (rt *remoteTrack) Stop() {
	_ = rt.pub.SetSubscribed(false)
}

// Source reports where the underlying publication originates (camera,
// microphone, screen share).
func (rt *remoteTrack) Source() livekit.TrackSource {
	return rt.pub.Source()
}
