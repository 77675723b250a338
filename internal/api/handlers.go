// Locus - Realtime Location Presence Server
// Copyright 2026 Alex Roth (alexroth96)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/alexroth96/locus

package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	gorillaws "github.com/gorilla/websocket"

	"github.com/alexroth96/locus/internal/auth"
	"github.com/alexroth96/locus/internal/config"
	"github.com/alexroth96/locus/internal/logging"
	"github.com/alexroth96/locus/internal/metrics"
	"github.com/alexroth96/locus/internal/validation"
	ws "github.com/alexroth96/locus/internal/websocket"
)

// Handler holds the HTTP handler dependencies.
type Handler struct {
	cfg       *config.Config
	users     *auth.UserService
	jwt       *auth.JWTManager
	hub       *ws.Hub
	upgrader  gorillaws.Upgrader
	startTime time.Time
	version   string
}

// NewHandler creates the API handler set.
func NewHandler(cfg *config.Config, users *auth.UserService, jwtManager *auth.JWTManager, hub *ws.Hub, version string) *Handler {
	h := &Handler{
		cfg:       cfg,
		users:     users,
		jwt:       jwtManager,
		hub:       hub,
		startTime: time.Now(),
		version:   version,
	}
	h.upgrader = gorillaws.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkWebSocketOrigin,
	}
	return h
}

// Register handles POST /api/auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.BadRequest("Invalid request body")
		return
	}

	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError("Validation failed", verr.Fields())
		return
	}

	user, err := h.users.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			metrics.RecordAuthAttempt("register", false)
			rw.Conflict("Email already registered")
			return
		}
		logging.Err(err).Str("username", req.Username).Msg("Registration failed")
		metrics.RecordAuthAttempt("register", false)
		rw.InternalError("Registration failed")
		return
	}

	token, err := h.jwt.GenerateToken(user.ID, user.Username)
	if err != nil {
		logging.Err(err).Str("user_id", user.ID).Msg("Token generation failed")
		rw.InternalError("Registration failed")
		return
	}

	metrics.RecordAuthAttempt("register", true)
	logging.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("User registered")

	rw.Created(AuthResponse{
		Token:    token,
		ID:       user.ID,
		Username: user.Username,
	})
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.BadRequest("Invalid request body")
		return
	}

	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError("Validation failed", verr.Fields())
		return
	}

	user, err := h.users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		metrics.RecordAuthAttempt("login", false)
		if errors.Is(err, auth.ErrInvalidCredentials) {
			rw.Unauthorized("Invalid email or password")
			return
		}
		logging.Err(err).Str("email", req.Email).Msg("Login failed")
		rw.InternalError("Login failed")
		return
	}

	token, err := h.jwt.GenerateToken(user.ID, user.Username)
	if err != nil {
		logging.Err(err).Str("user_id", user.ID).Msg("Token generation failed")
		rw.InternalError("Login failed")
		return
	}

	metrics.RecordAuthAttempt("login", true)
	logging.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("User logged in")

	rw.Success(AuthResponse{
		Token:    token,
		ID:       user.ID,
		Username: user.Username,
	})
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	rw.Success(HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Clients:       h.hub.GetClientCount(),
		PresenceUsers: h.hub.Registry().Count(),
	})
}

// WebSocket handles GET /ws. Identity is verified before the protocol
// upgrade; a missing or invalid token never reaches the hub.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if token == "" {
		metrics.WSConnectionsTotal.WithLabelValues("rejected").Inc()
		NewResponseWriter(w, r).Unauthorized("Missing authentication token")
		return
	}

	claims, err := h.jwt.ValidateToken(token)
	if err != nil {
		metrics.WSConnectionsTotal.WithLabelValues("rejected").Inc()
		logging.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket token rejected")
		NewResponseWriter(w, r).Unauthorized("Invalid authentication token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade writes its own error response.
		metrics.WSConnectionsTotal.WithLabelValues("rejected").Inc()
		logging.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := ws.NewClient(h.hub, conn, claims.UserID, claims.Username)
	h.hub.Register <- client
	client.Start()

	metrics.WSConnectionsTotal.WithLabelValues("admitted").Inc()
	logging.Info().
		Str("user_id", claims.UserID).
		Str("username", claims.Username).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket client connected")
}

// extractToken reads the token from the query string or the
// Authorization header. Browser WebSocket clients cannot set headers,
// so the query parameter is the primary channel.
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// checkWebSocketOrigin validates the Origin header against the
// configured CORS origins. Requests without an Origin header are
// non-browser clients and are allowed; token validation still gates
// admission.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.Security.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	logging.Warn().Str("origin", origin).Msg("WebSocket origin rejected")
	return false
}
