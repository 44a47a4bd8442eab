package avatar

import (
	"fmt"
	"net/url"
)

// ErrorType categorizes session errors.
type ErrorType string

const (
	ErrAuth            ErrorType = "auth_error"
	ErrSessionCreate   ErrorType = "session_create_error"
	ErrSessionStart    ErrorType = "session_start_error"
	ErrMediaTransport  ErrorType = "media_transport_error"
	ErrProtocol        ErrorType = "protocol_error"
	ErrDispatch        ErrorType = "dispatch_error"
	ErrNoActiveSession ErrorType = "no_active_session"
)

// Error represents a failure of one control-plane call or transport
// operation. StatusCode and Body carry the remote response when the
// failure originated from a non-success HTTP status.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
	Body       string    `json:"body,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s: %s (status %d: %s)", e.Type, e.Message, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s (status %d)", e.Type, e.Message, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAuthError creates a credential-exchange error.
func NewAuthError(message string, statusCode int, body string) *Error {
	return &Error{
		Type:       ErrAuth,
		Message:    message,
		StatusCode: statusCode,
		Body:       body,
	}
}

// NewSessionCreateError creates a session-negotiation error.
func NewSessionCreateError(message string, statusCode int, body string) *Error {
	return &Error{
		Type:       ErrSessionCreate,
		Message:    message,
		StatusCode: statusCode,
		Body:       body,
	}
}

// NewSessionStartError creates a streaming-start error.
func NewSessionStartError(message string, statusCode int, body string) *Error {
	return &Error{
		Type:       ErrSessionStart,
		Message:    message,
		StatusCode: statusCode,
		Body:       body,
	}
}

// NewMediaTransportError wraps a media transport prepare/connect failure.
func NewMediaTransportError(message string, err error) *Error {
	return &Error{
		Type:    ErrMediaTransport,
		Message: message,
		Err:     err,
	}
}

// NewProtocolError creates an unexpected-response-shape error.
func NewProtocolError(message string) *Error {
	return &Error{
		Type:    ErrProtocol,
		Message: message,
	}
}

// NewDispatchError creates a task-send error.
func NewDispatchError(message string, statusCode int, body string) *Error {
	return &Error{
		Type:       ErrDispatch,
		Message:    message,
		StatusCode: statusCode,
		Body:       body,
	}
}

// NewNoActiveSessionError reports an operation attempted without a live
// session. It is returned before any network call is made.
func NewNoActiveSessionError() *Error {
	return &Error{
		Type:    ErrNoActiveSession,
		Message: "no active session",
	}
}

// TransportError represents HTTP/WebSocket transport-level failures (DNS,
// timeouts, connection reset, TLS handshake, etc.) while talking to the
// avatar service.
//
// Use errors.As(err, &TransportError{}) to distinguish wire failures from
// the typed session errors (*Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLQuery(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// redactURLQuery strips query parameters before a URL lands in an error
// string; the event-channel URL carries the session token as a parameter.
func redactURLQuery(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String()
}
