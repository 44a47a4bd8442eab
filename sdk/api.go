package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Control-plane paths on the avatar service.
const (
	pathCreateToken   = "/v1/streaming.create_token"
	pathNewSession    = "/v1/streaming.new"
	pathStartSession  = "/v1/streaming.start"
	pathSendTask      = "/v1/streaming.task"
	pathStopSession   = "/v1/streaming.stop"
	pathEventChannel  = "/v1/ws/streaming.chat"
	apiKeyHeader      = "x-api-key"
	maxErrorBodyBytes = 1 << 20
)

// TaskType selects how the avatar speaks dispatched text.
type TaskType string

const (
	// TaskTypeTalk asks the service to synthesize a contextual response.
	TaskTypeTalk TaskType = "talk"
	// TaskTypeRepeat asks the service to speak the text verbatim.
	TaskTypeRepeat TaskType = "repeat"
)

// SessionDescriptor holds the negotiated connection parameters for one
// avatar session. It is immutable after creation and replaced wholesale on
// each new session.
type SessionDescriptor struct {
	SessionID    string
	TransportURL string
	AccessToken  string
}

type createTokenResponse struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

type newSessionRequest struct {
	Quality       string       `json:"quality"`
	AvatarName    string       `json:"avatar_name"`
	Voice         voiceRequest `json:"voice"`
	Version       string       `json:"version"`
	VideoEncoding string       `json:"video_encoding"`
}

type voiceRequest struct {
	VoiceID string  `json:"voice_id"`
	Rate    float64 `json:"rate"`
}

type newSessionResponse struct {
	Data struct {
		SessionID   string `json:"session_id"`
		URL         string `json:"url"`
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

type sessionIDRequest struct {
	SessionID string `json:"session_id"`
}

type sendTaskRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	TaskType  string `json:"task_type"`
}

// CreateSessionToken exchanges the long-lived API key for a short-lived
// session token. Single attempt, no retry; the caller decides whether to
// try again.
func (c *Client) CreateSessionToken(ctx context.Context) (string, error) {
	ctx, end := c.startSpan(ctx, "avatar.create_session_token")
	defer end()

	if c.apiKey == "" {
		return "", NewAuthError("api key is empty", 0, "")
	}

	headers := make(http.Header)
	headers.Set(apiKeyHeader, c.apiKey)

	resp, endpoint, err := c.postJSON(ctx, pathCreateToken, struct{}{}, headers)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", NewAuthError("create session token failed", resp.StatusCode, readErrorBody(resp.Body))
	}

	var decoded createTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", NewProtocolError(fmt.Sprintf("decode token response from %s: %v", endpoint, err))
	}
	token := strings.TrimSpace(decoded.Data.Token)
	if token == "" {
		return "", NewProtocolError("token response missing data.token")
	}
	return token, nil
}

// CreateSession negotiates a new avatar session and returns its connection
// parameters. Quality and encoding are fixed; only the avatar and voice
// selection vary per caller.
func (c *Client) CreateSession(ctx context.Context, sessionToken, avatarID, voiceID string) (*SessionDescriptor, error) {
	ctx, end := c.startSpan(ctx, "avatar.create_session")
	defer end()

	payload := newSessionRequest{
		Quality:       "high",
		AvatarName:    avatarID,
		Voice:         voiceRequest{VoiceID: voiceID, Rate: 1.0},
		Version:       "v2",
		VideoEncoding: "H264",
	}

	resp, endpoint, err := c.postJSON(ctx, pathNewSession, payload, bearerHeaders(sessionToken))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewSessionCreateError("create session failed", resp.StatusCode, readErrorBody(resp.Body))
	}

	var decoded newSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, NewProtocolError(fmt.Sprintf("decode session response from %s: %v", endpoint, err))
	}
	desc := &SessionDescriptor{
		SessionID:    strings.TrimSpace(decoded.Data.SessionID),
		TransportURL: strings.TrimSpace(decoded.Data.URL),
		AccessToken:  strings.TrimSpace(decoded.Data.AccessToken),
	}
	switch {
	case desc.SessionID == "":
		return nil, NewProtocolError("session response missing data.session_id")
	case desc.TransportURL == "":
		return nil, NewProtocolError("session response missing data.url")
	case desc.AccessToken == "":
		return nil, NewProtocolError("session response missing data.access_token")
	}
	return desc, nil
}

// StartStreaming asks the service to begin streaming into the negotiated
// session. The media transport must not admit media before this succeeds.
func (c *Client) StartStreaming(ctx context.Context, sessionToken, sessionID string) error {
	ctx, end := c.startSpan(ctx, "avatar.start_streaming")
	defer end()

	resp, _, err := c.postJSON(ctx, pathStartSession, sessionIDRequest{SessionID: sessionID}, bearerHeaders(sessionToken))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewSessionStartError("start streaming failed", resp.StatusCode, readErrorBody(resp.Body))
	}
	return nil
}

// SendTask dispatches a text utterance to the session.
func (c *Client) SendTask(ctx context.Context, sessionToken, sessionID, text string, taskType TaskType) error {
	ctx, end := c.startSpan(ctx, "avatar.send_task")
	defer end()

	if taskType != TaskTypeTalk && taskType != TaskTypeRepeat {
		return NewDispatchError(fmt.Sprintf("unsupported task type %q", taskType), 0, "")
	}

	payload := sendTaskRequest{
		SessionID: sessionID,
		Text:      text,
		TaskType:  string(taskType),
	}
	resp, _, err := c.postJSON(ctx, pathSendTask, payload, bearerHeaders(sessionToken))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewDispatchError("send task failed", resp.StatusCode, readErrorBody(resp.Body))
	}
	return nil
}

// StopSession asks the service to tear down the remote session. Callers
// treat failures as best-effort: local cleanup proceeds regardless.
func (c *Client) StopSession(ctx context.Context, sessionToken, sessionID string) error {
	ctx, end := c.startSpan(ctx, "avatar.stop_session")
	defer end()

	resp, _, err := c.postJSON(ctx, pathStopSession, sessionIDRequest{SessionID: sessionID}, bearerHeaders(sessionToken))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("stop session failed with status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, endpointPath string, payload any, headers http.Header) (*http.Response, string, error) {
	endpoint, err := c.endpoint(endpointPath)
	if err != nil {
		return nil, "", err
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, endpoint, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, endpoint, &TransportError{Op: http.MethodPost, URL: endpoint, Err: err}
	}

	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, endpoint, &TransportError{Op: http.MethodPost, URL: endpoint, Err: err}
	}
	return resp, endpoint, nil
}

func (c *Client) endpoint(path string) (string, error) {
	rawBaseURL := strings.TrimSpace(c.baseURL)
	if rawBaseURL == "" {
		rawBaseURL = defaultBaseURL
	}

	base, err := url.Parse(rawBaseURL)
	if err != nil || strings.TrimSpace(base.Scheme) == "" || strings.TrimSpace(base.Host) == "" {
		return "", fmt.Errorf("invalid base URL %q", rawBaseURL)
	}

	base.RawQuery = ""
	base.Fragment = ""
	base.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return base.String(), nil
}

func bearerHeaders(sessionToken string) http.Header {
	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+sessionToken)
	return headers
}

func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(body))
}
