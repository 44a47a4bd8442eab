package avatar

import "context"

// DisconnectReason explains why the media transport dropped.
type DisconnectReason int

const (
	DisconnectReasonUnknown DisconnectReason = iota
	DisconnectReasonClientRequested
	DisconnectReasonServerDropped
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectReasonClientRequested:
		return "client_requested"
	case DisconnectReasonServerDropped:
		return "server_dropped"
	default:
		return "unknown"
	}
}

// TransportHandlers are the callbacks a Transport fires as the session
// progresses. Handlers may be invoked from transport-owned goroutines; the
// session controller re-checks its own state before applying them.
type TransportHandlers struct {
	OnTrackSubscribed   func(track Track)
	OnTrackUnsubscribed func(track Track)
	OnDisconnected      func(reason DisconnectReason)
	OnDataReceived      func(payload []byte)
}

// Transport is the narrow interface over the realtime media client. The
// two-phase split matters: PrepareConnection resolves the network path
// without admitting media, and Connect admits media only after the remote
// side has started streaming. Connecting early produces no media flow.
//
// Disconnect must be safe to call repeatedly and when never connected.
type Transport interface {
	PrepareConnection(ctx context.Context, url, token string, handlers TransportHandlers) error
	Connect(ctx context.Context) error
	Disconnect()
}
