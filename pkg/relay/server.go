package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	avatar "github.com/kinetic-ai/avatar-lite/sdk"
)

type Server struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
	client *avatar.Client
}

func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	clientOpts := []avatar.ClientOption{avatar.WithLogger(logger)}
	if cfg.ServiceBaseURL != "" {
		clientOpts = append(clientOpts, avatar.WithBaseURL(cfg.ServiceBaseURL))
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		client: avatar.NewClient(cfg.ServiceAPIKey, clientOpts...),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /v1/token", s.handleToken)
}

// Handler returns the fully middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = cors(s.cfg.CORSAllowedOrigins, h)
	h = recoverPanics(s.logger, h)
	h = accessLog(s.logger, h)
	h = requestID(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type tokenResponse struct {
	Token string `json:"token"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// handleToken mints a short-lived session token. The long-lived key never
// leaves this process; upstream error bodies are logged but not forwarded.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	reqID, _ := RequestIDFrom(r.Context())

	token, err := s.client.CreateSessionToken(r.Context())
	if err != nil {
		s.logger.Error("mint session token", "request_id", reqID, "error", err)
		writeJSONError(w, upstreamStatus(err), errorBody{
			Type:    "token_mint_failed",
			Message: "could not mint a session token",
		})
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(tokenResponse{Token: token})
}

// upstreamStatus maps SDK failures onto relay responses: credential and
// upstream problems are a bad gateway from the caller's point of view,
// everything else an internal error.
func upstreamStatus(err error) int {
	var apiErr *avatar.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case avatar.ErrAuth, avatar.ErrProtocol:
			return http.StatusBadGateway
		}
	}
	var transportErr *avatar.TransportError
	if errors.As(err, &transportErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSONError(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: body})
}
