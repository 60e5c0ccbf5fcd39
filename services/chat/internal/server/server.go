package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"chatline/internal/ratelimit"
	"chatline/internal/util"
	"chatline/pkg/auth"
	"chatline/pkg/domain"
	"chatline/pkg/realtime"
	"chatline/services/chat/internal/app"
	"chatline/services/chat/internal/security"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                       *app.App
	Broker                    realtime.Broker
	Redis                     redis.UniversalClient
	TrustedProxies            *util.TrustedProxies
	AllowedOrigins            []string
	Alerter                   *security.AuditAlerter
	SignupRateLimitPerMinute  int
	LoginRateLimitPerMinute   int
	ResolveRateLimitPerMinute int
	MessageRateLimitPerMinute int
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app            *app.App
	broker         realtime.Broker
	trustedProxies *util.TrustedProxies
	allowedOrigins []string
	alerter        *security.AuditAlerter
	mux            *http.ServeMux
	signupLimiter  *ratelimit.FixedWindowLimiter
	loginLimiter   *ratelimit.FixedWindowLimiter
	resolveLimiter *ratelimit.FixedWindowLimiter
	messageLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Broker == nil {
		return nil, errors.New("realtime broker required")
	}
	signupLimit := cfg.SignupRateLimitPerMinute
	if signupLimit <= 0 {
		signupLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	resolveLimit := cfg.ResolveRateLimitPerMinute
	if resolveLimit <= 0 {
		resolveLimit = 30
	}
	messageLimit := cfg.MessageRateLimitPerMinute
	if messageLimit <= 0 {
		messageLimit = 120
	}
	rateWindow := time.Minute
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "chatline:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.Redis, prefix, limit, rateWindow)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	signupLimiter, err := newLimiter("signup", signupLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	resolveLimiter, err := newLimiter("resolve", resolveLimit)
	if err != nil {
		return nil, err
	}
	messageLimiter, err := newLimiter("message", messageLimit)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:            cfg.App,
		broker:         cfg.Broker,
		trustedProxies: cfg.TrustedProxies,
		allowedOrigins: cfg.AllowedOrigins,
		alerter:        cfg.Alerter,
		mux:            http.NewServeMux(),
		signupLimiter:  signupLimiter,
		loginLimiter:   loginLimiter,
		resolveLimiter: resolveLimiter,
		messageLimiter: messageLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.allowedOrigins, h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog("chat", h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// identity
	s.mux.HandleFunc("POST /auth/signup", s.handleSignup)
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)
	s.mux.Handle("POST /auth/logout", s.withUser(s.handleLogout))
	s.mux.Handle("GET /auth/me", s.withUser(s.handleMe))

	// users
	s.mux.Handle("GET /users/search", s.withUser(s.handleSearchUsers))
	s.mux.Handle("PUT /users/me/avatar", s.withUser(s.handleUploadAvatar))

	// chats
	s.mux.Handle("GET /chats", s.withUser(s.handleListChats))
	s.mux.Handle("POST /chats/direct", s.withUser(s.handleResolveDirect))
	s.mux.Handle("GET /chats/{chatID}", s.withUser(s.handleGetChat))
	s.mux.Handle("GET /chats/{chatID}/messages", s.withUser(s.handleListMessages))
	s.mux.Handle("POST /chats/{chatID}/messages", s.withUser(s.handleSendMessage))

	// realtime
	s.mux.Handle("GET /realtime", s.withUser(s.handleRealtime))

	// dev tooling
	s.mux.Handle("POST /dev/seed", s.withUser(s.handleEnqueueSeed))
	s.mux.Handle("GET /dev/seed/{jobID}", s.withUser(s.handleSeedStatus))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.app.UserFromToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, app.ErrUnauthorized) {
				s.audit(r, security.EventAuthorize, security.OutcomeFail, s.clientIP(r))
			}
			s.writeAppError(w, r, err)
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", user.ID))
		next(w, r.WithContext(ctx), token, user)
	})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type sessionResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.signupLimiter, security.EventSignup, s.clientIP(r), "too many sign-up attempts") {
		return
	}
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, token, err := s.app.SignUp(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		s.audit(r, security.EventSignup, security.OutcomeFail, s.clientIP(r), "err", err)
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, security.EventSignup, security.OutcomeSuccess, s.clientIP(r), "user_id", user.ID)
	writeJSON(w, http.StatusCreated, sessionResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter, security.EventLogin, s.clientIP(r), "too many login attempts") {
		return
	}
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, token, err := s.app.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, security.EventLogin, security.OutcomeFail, s.clientIP(r), "err", err)
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, security.EventLogin, security.OutcomeSuccess, s.clientIP(r), "user_id", user.ID)
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, token string, user domain.User) {
	var err error
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		err = s.app.SignOutEverywhere(r.Context(), user.ID)
	} else {
		err = s.app.SignOut(r.Context(), token)
	}
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	writeJSON(w, http.StatusOK, s.app.Me(r.Context(), user))
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request, _ string, _ domain.User) {
	users, err := s.app.SearchUsers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleUploadAvatar(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	updated, err := s.app.UploadAvatar(r.Context(), user.ID, r.Body)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	chats, err := s.app.ListChats(r.Context(), user.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

type directChatRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleResolveDirect(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	if !s.allowRate(w, r, s.resolveLimiter, "chat.resolve", user.ID, "too many chat requests") {
		return
	}
	var req directChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	target := strings.TrimSpace(req.UserID)
	if target == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	chat, err := s.app.ResolveDirectChat(r.Context(), user.ID, target)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

type chatResponse struct {
	Chat    domain.Chat         `json:"chat"`
	Members []domain.Membership `json:"members"`
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	chat, members, err := s.app.GetChat(r.Context(), user.ID, r.PathValue("chatID"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Chat: chat, Members: members})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	msgs, err := s.app.ListMessages(r.Context(), user.ID, r.PathValue("chatID"), limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	if !s.allowRate(w, r, s.messageLimiter, "chat.message", user.ID, "too many messages") {
		return
	}
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := s.app.SendMessage(r.Context(), user.ID, r.PathValue("chatID"), req.Content)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleEnqueueSeed(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	job, err := s.app.EnqueueSeed(r.Context(), user.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleSeedStatus(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	job, err := s.app.GetSeedJob(r.Context(), user.ID, r.PathValue("jobID"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

// audit logs a security event and feeds the alerter; source is the ip or
// user the event is counted against.
func (s *Server) audit(r *http.Request, event, outcome, source string, attrs ...any) {
	logger := util.LoggerFromContext(r.Context())
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"source", source,
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == security.OutcomeSuccess {
		logger.Info("security_event", logAttrs...)
	} else {
		logger.Warn("security_event", logAttrs...)
	}
	result, err := s.alerter.Observe(r.Context(), event, outcome, source)
	if err != nil {
		logger.Warn("security alert evaluation failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"source", source,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, event, key, msg string) bool {
	decision := limiter.Allow(r.Context(), event+"|"+key)
	if decision.Allowed {
		return true
	}
	s.audit(r, event, security.OutcomeRateLimited, key)
	retryAfter := int(decision.RetryAfter.Round(time.Second) / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

// writeAppError maps application errors onto HTTP statuses. Unexpected
// failures are logged and reported without detail.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	logger := util.LoggerFromContext(r.Context())
	switch {
	case errors.Is(err, app.ErrUnauthorized), errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrForbidden):
		s.audit(r, security.EventChatAuthorize, security.OutcomeFail, s.clientIP(r))
		writeError(w, http.StatusForbidden, app.ErrForbidden.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrEmailAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrAvatarsDisabled), errors.Is(err, app.ErrSeedDisabled):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, app.ErrInvalidOperation),
		errors.Is(err, app.ErrEmailAndPasswordRequired),
		errors.Is(err, app.ErrInvalidEmail),
		errors.Is(err, app.ErrNameTooLong),
		errors.Is(err, app.ErrEmptyMessage),
		errors.Is(err, app.ErrMessageTooLong),
		errors.Is(err, app.ErrQueryRequired),
		errors.Is(err, app.ErrInvalidAvatar),
		errors.Is(err, app.ErrNoSeedPartner),
		errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrStoreUnavailable):
		logger.Error("store unavailable", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		logger.Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a bounded JSON body and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz != "" {
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", false
		}
		token := strings.TrimSpace(parts[1])
		return token, token != ""
	}
	// Browsers cannot set headers on websocket handshakes.
	if r.URL.Path == "/realtime" {
		token := strings.TrimSpace(r.URL.Query().Get("token"))
		return token, token != ""
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
