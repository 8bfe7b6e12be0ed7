package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/server"
)

// maxBodyBytes bounds request bodies on every endpoint
const maxBodyBytes = 64 << 10

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server   *server.Server
	config   *Config
	sessions SessionResolver
	limiter  *security.RateLimiter
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *instrumentation.Metrics
}

// NewHandler creates a new HTTP handler. A nil sessions resolver reads the
// user id from Config.SessionHeader.
func NewHandler(srv *server.Server, config *Config, sessions SessionResolver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	config = applyDefaults(config)
	if sessions == nil {
		sessions = HeaderSessionResolver{Header: config.SessionHeader}
	}

	h := &Handler{
		server:   srv,
		config:   config,
		sessions: sessions,
		logger:   logger,
		tracer:   srv.Instrumentation.Tracer("http"),
		metrics:  srv.Instrumentation.Metrics(),
	}

	if config.RateLimit.RequestsPerSecond > 0 {
		h.limiter = security.NewRateLimiter(config.RateLimit, logger)
	}

	return h
}

// Close stops background work owned by the handler
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// ServeMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := strings.TrimSuffix(h.config.Issuer, "/")

	methods := []string{server.PKCEMethodS256}
	if h.server.Config.AllowPKCEPlain {
		methods = append(methods, server.PKCEMethodPlain)
	}

	writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth/authorize",
		TokenEndpoint:                     issuer + "/oauth/token",
		RevocationEndpoint:                issuer + "/oauth/revoke",
		UserinfoEndpoint:                  issuer + "/oauth/userinfo",
		ScopesSupported:                   h.server.Scopes().Supported(),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     methods,
	})
}

// ServeAuthorizeDetails returns the display-safe fields of an app for the
// consent screen. It requires no session.
func (h *Handler) ServeAuthorizeDetails(w http.ResponseWriter, r *http.Request) {
	display, err := h.server.GetAuthorizationDetails(r.Context(), r.URL.Query().Get("client_id"))
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailsFrom(display))
}

// ServeAuthorize records the signed-in user's approve or deny decision and
// answers with the redirect the user agent should follow.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req AuthorizeRequest
	if err := decodeBody(w, r, &req, func(form url.Values) {
		req = AuthorizeRequest{
			ClientID:            form.Get("client_id"),
			RedirectURI:         form.Get("redirect_uri"),
			Scope:               form.Get("scope"),
			State:               form.Get("state"),
			CodeChallenge:       form.Get("code_challenge"),
			CodeChallengeMethod: form.Get("code_challenge_method"),
			Action:              form.Get("action"),
		}
	}); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	decision, err := h.server.Decide(r.Context(), userID, server.DecisionRequest{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Action:              req.Action,
	})
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, AuthorizeResponse{Redirect: decision.Redirect})
}

// ServeToken handles the token endpoint. Parameters may be form-encoded or
// JSON; client credentials may also come from HTTP Basic authentication.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := decodeBody(w, r, &req, func(form url.Values) {
		req = TokenRequest{
			GrantType:    form.Get("grant_type"),
			Code:         form.Get("code"),
			RedirectURI:  form.Get("redirect_uri"),
			CodeVerifier: form.Get("code_verifier"),
			RefreshToken: form.Get("refresh_token"),
			ClientID:     form.Get("client_id"),
			ClientSecret: form.Get("client_secret"),
		}
	}); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	if id, secret, ok := parseBasicAuth(r); ok {
		req.ClientID, req.ClientSecret = id, secret
	}

	resp, err := h.server.Exchange(r.Context(), server.TokenRequest{
		GrantType:    req.GrantType,
		Code:         req.Code,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
		RefreshToken: req.RefreshToken,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		ClientIP:     h.clientIP(r),
	})
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponseFrom(resp))
}

// ServeUserInfo resolves the bearer token to the user's profile
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	accessToken, ok := bearerToken(r)
	if !ok {
		h.writeUnauthorized(w, "Missing or malformed Authorization header")
		return
	}

	info, err := h.server.UserInfo(r.Context(), accessToken, h.clientIP(r))
	if err != nil {
		if server.KindOf(err) == server.KindUnauthorized {
			h.writeUnauthorized(w, "The access token is invalid or expired")
			return
		}
		h.writeServerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, userInfoResponseFrom(info))
}

// ServeRevoke handles RFC 7009 revocation. It answers 200 whatever happens
// so it never reveals whether a token was valid.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := decodeBody(w, r, &req, func(form url.Values) {
		req = RevokeRequest{
			Token:         form.Get("token"),
			TokenTypeHint: form.Get("token_type_hint"),
			ClientID:      form.Get("client_id"),
			ClientSecret:  form.Get("client_secret"),
		}
	}); err != nil {
		h.requestLogger(r).Debug("Unparseable revocation request", "error", err)
	}

	if id, secret, ok := parseBasicAuth(r); ok {
		req.ClientID, req.ClientSecret = id, secret
	}

	if err := h.server.RevokeToken(r.Context(), req.Token, req.ClientID, req.ClientSecret, h.clientIP(r)); err != nil {
		h.requestLogger(r).Debug("Revocation request rejected", "error", err)
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// revokeLimited answers an over-limit revocation with the usual success body
// and leaves the store untouched.
func (h *Handler) revokeLimited(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// requireUser resolves the session or writes a 401
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.sessions.ResolveUser(r)
	if err != nil || userID == "" {
		if err != nil && !errors.Is(err, ErrNoSession) {
			h.requestLogger(r).Warn("Session resolution failed", "error", err)
		}
		h.writeError(w, NewOAuthError(ErrorCodeUnauthorized, "Authentication required", http.StatusUnauthorized))
		return "", false
	}
	return userID, true
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, h.config.ProxyTrust)
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return security.Logger(r.Context(), h.logger)
}

// rateLimit stops requests from client IPs over the configured rate. They get
// a 429 unless onLimited answers them instead.
func (h *Handler) rateLimit(endpoint string, onLimited http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if h.limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := h.clientIP(r)
			if h.limiter.Allow(clientIP) {
				next.ServeHTTP(w, r)
				return
			}

			h.requestLogger(r).Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
			h.metrics.RecordRateLimitExceeded(r.Context(), endpoint)
			h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)

			retryAfter := int(math.Ceil(h.limiter.RetryAfter().Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			if onLimited != nil {
				onLimited(w, r)
				return
			}
			h.writeError(w, ErrRateLimitExceeded())
		})
	}
}

// instrument wraps an endpoint in a span and records request metrics
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "oauth.http."+endpoint)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		if status >= http.StatusInternalServerError {
			instrumentation.SetSpanError(span, http.StatusText(status))
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		h.metrics.RecordHTTPRequest(ctx, r.Method, endpoint, status, float64(time.Since(start).Microseconds())/1000)
	}
}

// writeServerError maps a domain error to a response. Unclassified errors
// are logged and answered with a generic server_error.
func (h *Handler) writeServerError(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := errorFromServer(err)
	if oauthErr.Status >= http.StatusInternalServerError {
		h.requestLogger(r).Error("Request failed", "path", r.URL.Path, "error", err)
	}
	h.writeError(w, oauthErr)
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) {
	writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// writeUnauthorized answers a bearer-token failure (RFC 6750 section 3)
func (h *Handler) writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error="%s", error_description="%s"`, ErrorCodeInvalidToken, description))
	h.writeError(w, ErrInvalidToken(description))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON body into v, or parses a form body and hands it
// to fromForm.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, fromForm func(url.Values)) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("decode json body: %w", err)
		}
		return nil
	}

	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("parse form: %w", err)
	}
	fromForm(r.PostForm)
	return nil
}

// parseBasicAuth returns client credentials from HTTP Basic authentication.
// Both parts are form-urlencoded per RFC 6749 section 2.3.1.
func parseBasicAuth(r *http.Request) (clientID, secret string, ok bool) {
	id, pass, ok := r.BasicAuth()
	if !ok || id == "" {
		return "", "", false
	}
	if unescaped, err := url.QueryUnescape(id); err == nil {
		id = unescaped
	}
	if unescaped, err := url.QueryUnescape(pass); err == nil {
		pass = unescaped
	}
	return id, pass, true
}

// bearerToken extracts the token from an "Authorization: Bearer" header
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
