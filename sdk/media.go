package avatar

import "sync"

// TrackKind identifies the media kind of an inbound track.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Track is one inbound media track delivered by a Transport. Transport
// adapters wrap their native track types; tests use in-memory fakes.
type Track interface {
	// ID uniquely identifies the track within the session.
	ID() string
	// Kind reports whether the track carries audio or video.
	Kind() TrackKind
	// SetEnabled pauses or resumes delivery of this track's media.
	SetEnabled(enabled bool) error
	// Stop releases the track's resources.
	Stop()
}

// MediaAggregate accumulates inbound tracks as the transport delivers
// subscription events. It is ready exactly when it holds at least one
// audio and one video track simultaneously.
type MediaAggregate struct {
	mu     sync.Mutex
	tracks map[string]Track
}

// NewMediaAggregate creates an empty aggregate.
func NewMediaAggregate() *MediaAggregate {
	return &MediaAggregate{tracks: make(map[string]Track)}
}

// Add inserts a track. It reports false when a track with the same ID is
// already present.
func (a *MediaAggregate) Add(t Track) bool {
	if t == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.tracks[t.ID()]; exists {
		return false
	}
	a.tracks[t.ID()] = t
	return true
}

// Remove deletes the track with the given ID, if present.
func (a *MediaAggregate) Remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tracks, id)
}

// Ready reports whether the aggregate holds at least one audio and one
// video track.
func (a *MediaAggregate) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countLocked(TrackKindAudio) > 0 && a.countLocked(TrackKindVideo) > 0
}

// Count returns the number of tracks of the given kind.
func (a *MediaAggregate) Count(kind TrackKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countLocked(kind)
}

func (a *MediaAggregate) countLocked(kind TrackKind) int {
	n := 0
	for _, t := range a.tracks {
		if t.Kind() == kind {
			n++
		}
	}
	return n
}

// SetKindEnabled pauses or resumes every track of the given kind. The
// first track error is returned; remaining tracks are still toggled.
func (a *MediaAggregate) SetKindEnabled(kind TrackKind, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, t := range a.tracks {
		if t.Kind() != kind {
			continue
		}
		if err := t.SetEnabled(enabled); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StopAll stops every track and empties the aggregate.
func (a *MediaAggregate) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range a.tracks {
		t.Stop()
		delete(a.tracks, id)
	}
}

// MediaSink receives the playable aggregate once it is ready. The sink is
// bound exactly once per session, and only when both track kinds are
// present.
type MediaSink interface {
	Bind(aggregate *MediaAggregate)
	Unbind()
}

// NopSink is a MediaSink that discards the aggregate. Useful for headless
// sessions that only consume the event channel.
type NopSink struct{}

func (NopSink) Bind(*MediaAggregate) {}
func (NopSink) Unbind()              {}
