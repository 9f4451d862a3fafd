package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"navidai/internal/chat"
	"navidai/internal/onboarding"
	"navidai/internal/ratelimit"
	"navidai/internal/security"
	"navidai/internal/session"
	"navidai/internal/signup"
	"navidai/internal/util"
	"navidai/pkg/domain"
)

const (
	sessionCookie   = "sessionid"
	maxBodyBytes    = 1 << 20
	apiPrefix       = "/api/v1"
	serviceName     = "navid-api"
	retryAfterLimit = "60"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Signup     *signup.Service
	Sessions   *session.Service
	Onboarding *onboarding.Service
	Chat       *chat.Service
	// Limiters are optional; a nil limiter admits everything.
	AuthLimiter    *ratelimit.FixedWindowLimiter
	ChatLimiter    *ratelimit.FixedWindowLimiter
	Alerter        *security.AuditAlerter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	CookieSecure   bool
	SessionTTL     time.Duration
}

// Server exposes the HTTP API.
type Server struct {
	signup       *signup.Service
	sessions     *session.Service
	onboarding   *onboarding.Service
	chat         *chat.Service
	authLimiter  *ratelimit.FixedWindowLimiter
	chatLimiter  *ratelimit.FixedWindowLimiter
	alerter      *security.AuditAlerter
	trusted      *util.TrustedProxies
	corsOrigins  []string
	cookieSecure bool
	sessionTTL   time.Duration
	mux          *http.ServeMux
}

func New(cfg Config) (*Server, error) {
	if cfg.Signup == nil || cfg.Sessions == nil || cfg.Onboarding == nil || cfg.Chat == nil {
		return nil, errors.New("server: signup, session, onboarding and chat services are required")
	}
	s := &Server{
		signup:       cfg.Signup,
		sessions:     cfg.Sessions,
		onboarding:   cfg.Onboarding,
		chat:         cfg.Chat,
		authLimiter:  cfg.AuthLimiter,
		chatLimiter:  cfg.ChatLimiter,
		alerter:      cfg.Alerter,
		trusted:      cfg.TrustedProxies,
		corsOrigins:  cfg.CORSOrigins,
		cookieSecure: cfg.CookieSecure,
		sessionTTL:   cfg.SessionTTL,
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	var h http.Handler = trimTrailingSlash(s.mux)
	h = util.WithCORS(s.corsOrigins, h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog(serviceName, s.trusted, h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// signup
	s.mux.HandleFunc(apiPrefix+"/auth/signup/start", s.limited(s.authLimiter, s.handleSignupStart))
	s.mux.HandleFunc(apiPrefix+"/auth/signup/resend-code", s.limited(s.authLimiter, s.handleSignupResend))
	s.mux.HandleFunc(apiPrefix+"/auth/signup/verify-code", s.limited(s.authLimiter, s.handleSignupVerify))
	s.mux.HandleFunc(apiPrefix+"/auth/signup/complete-profile", s.limited(s.authLimiter, s.handleSignupComplete))

	// sessions
	s.mux.HandleFunc(apiPrefix+"/auth/login", s.limited(s.authLimiter, s.handleLogin))
	s.mux.HandleFunc(apiPrefix+"/auth/logout", s.handleLogout)
	s.mux.HandleFunc(apiPrefix+"/auth/me", s.handleMe)
	s.mux.HandleFunc(apiPrefix+"/auth/forgot-password", s.limited(s.authLimiter, s.handleForgotPassword))
	s.mux.HandleFunc(apiPrefix+"/auth/reset-password", s.limited(s.authLimiter, s.handleResetPassword))

	// onboarding
	s.mux.HandleFunc(apiPrefix+"/onboarding/progress", s.authenticated(s.handleOnboardingProgress))
	s.mux.HandleFunc(apiPrefix+"/onboarding/complete", s.authenticated(s.handleOnboardingComplete))

	// chat
	s.mux.HandleFunc(apiPrefix+"/chat/conversations", s.authenticated(s.handleConversations))
	s.mux.HandleFunc(apiPrefix+"/chat/conversations/{id}", s.authenticated(s.handleConversation))
	s.mux.HandleFunc(apiPrefix+"/chat/conversations/{id}/messages", s.authenticated(s.chatLimited(s.handleMessages)))
	s.mux.HandleFunc(apiPrefix+"/chat/conversations/{id}/messages/stream", s.authenticated(s.chatLimited(s.handleMessageStream)))
	s.mux.HandleFunc(apiPrefix+"/chat/conversations/{id}/export", s.authenticated(s.handleExport))

	s.mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "Not found.", nil)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

// authenticated resolves the session cookie (or bearer token) to a user.
func (s *Server) authenticated(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.currentUser(w, r)
		if !ok {
			return
		}
		next(w, r, user)
	}
}

// currentUser writes a 401 and returns false when there is no live session.
func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) (domain.User, bool) {
	user, ok, err := s.sessions.CurrentUser(r.Context(), sessionToken(r))
	if err != nil {
		writeServiceError(w, r, err)
		return domain.User{}, false
	}
	if !ok {
		unauthorized(w)
		return domain.User{}, false
	}
	return user, true
}

// limited applies an IP-keyed limiter to an anonymous endpoint.
func (s *Server) limited(limiter *ratelimit.FixedWindowLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(w, r, limiter, "ip:"+s.clientIP(r)) {
			return
		}
		next(w, r)
	}
}

// chatLimited throttles model calls per user.
func (s *Server) chatLimited(next userHandler) userHandler {
	return func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if r.Method == http.MethodPost && !s.allow(w, r, s.chatLimiter, "user:"+user.ID) {
			return
		}
		next(w, r, user)
	}
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, key string) bool {
	if limiter == nil || limiter.Allow(key) {
		return true
	}
	s.audit(r, "ratelimit."+limiter.Scope(), security.OutcomeRateLimited)
	w.Header().Set("Retry-After", retryAfterLimit)
	writeError(w, http.StatusTooManyRequests, codeRateLimited, "Request was throttled.", nil)
	return false
}

// audit logs a security event and feeds the alert counters.
func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := s.clientIP(r)
	logAttrs := append([]any{"event", event, "outcome", outcome, "path", r.URL.Path, "client_ip", ip}, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == security.OutcomeSuccess {
		logger.Info("security_event", logAttrs...)
	} else {
		logger.Warn("security_event", logAttrs...)
	}
	s.alerter.Record(r.Context(), event, outcome, ip)
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trusted)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	cookie := &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if s.sessionTTL > 0 {
		cookie.MaxAge = int(s.sessionTTL.Seconds())
	}
	http.SetCookie(w, cookie)
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// sessionToken reads the session cookie, falling back to a bearer token for
// non-browser clients.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value)
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) > 7 && strings.EqualFold(authz[:7], "Bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// decodeJSON reads a JSON body into dst, writing a validation error on
// failure. An empty body decodes to the zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, codeValidation, "Invalid JSON body.", nil)
	return false
}

func trimTrailingSlash(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := r.URL.Path; len(p) > 1 && strings.HasSuffix(p, "/") {
			r2 := r.Clone(r.Context())
			r2.URL.Path = strings.TrimRight(p, "/")
			r2.URL.RawPath = ""
			r = r2
		}
		next.ServeHTTP(w, r)
	})
}
