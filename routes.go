package oauth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/giantswarm/oauth-provider/security"
)

// Endpoint names used in spans, metrics and rate limit audit events
const (
	endpointMetadata         = "metadata"
	endpointAuthorizeDetails = "authorize_details"
	endpointAuthorize        = "authorize"
	endpointToken            = "token"
	endpointUserInfo         = "userinfo"
	endpointRevoke           = "revoke"
	endpointConsents         = "consents"
	endpointApps             = "apps"
)

// Routes returns the HTTP surface of the provider:
//
//	GET    /.well-known/oauth-authorization-server  (when Issuer is set)
//	GET    /oauth/authorize-details?client_id=...
//	POST   /oauth/authorize                          (session)
//	POST   /oauth/token
//	GET    /oauth/userinfo                           (bearer)
//	POST   /oauth/revoke
//	GET    /oauth/consents                           (session)
//	DELETE /oauth/consents/{appID}                   (session)
//	GET    /developer/apps                           (session)
//	POST   /developer/apps                           (session)
//	GET    /developer/apps/{id}                      (session)
//	DELETE /developer/apps/{id}                      (session)
//	POST   /developer/apps/{id}/secret               (session)
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)
	r.Use(security.SecurityHeaders(h.config.https()))

	if h.config.Issuer != "" {
		r.Get("/.well-known/oauth-authorization-server", h.instrument(endpointMetadata, h.ServeMetadata))
	}

	r.Route("/oauth", func(r chi.Router) {
		// Endpoints a third-party browser app may call directly
		r.Group(func(r chi.Router) {
			if c := h.cors(); c != nil {
				r.Use(c.Handler)
				for _, path := range []string{"/authorize-details", "/token", "/userinfo", "/revoke"} {
					r.Options(path, func(w http.ResponseWriter, _ *http.Request) {
						w.WriteHeader(http.StatusNoContent)
					})
				}
			}

			r.Get("/authorize-details", h.instrument(endpointAuthorizeDetails, h.ServeAuthorizeDetails))
			r.With(h.rateLimit(endpointToken, nil)).Post("/token", h.instrument(endpointToken, h.ServeToken))
			r.Get("/userinfo", h.instrument(endpointUserInfo, h.ServeUserInfo))
			r.With(h.rateLimit(endpointRevoke, h.revokeLimited)).Post("/revoke", h.instrument(endpointRevoke, h.ServeRevoke))
		})

		r.Post("/authorize", h.instrument(endpointAuthorize, h.ServeAuthorize))
		r.Get("/consents", h.instrument(endpointConsents, h.ServeListConsents))
		r.Delete("/consents/{appID}", h.instrument(endpointConsents, h.ServeRevokeConsent))
	})

	r.Route("/developer/apps", func(r chi.Router) {
		r.Get("/", h.instrument(endpointApps, h.ServeListApps))
		r.Post("/", h.instrument(endpointApps, h.ServeCreateApp))
		r.Get("/{id}", h.instrument(endpointApps, h.ServeGetApp))
		r.Delete("/{id}", h.instrument(endpointApps, h.ServeDeleteApp))
		r.Post("/{id}/secret", h.instrument(endpointApps, h.ServeRegenerateSecret))
	})

	return r
}

// cors returns the CORS policy for browser-callable endpoints, or nil when
// no origins are configured.
func (h *Handler) cors() *cors.Cors {
	if len(h.config.CORSAllowedOrigins) == 0 {
		return nil
	}
	return cors.New(cors.Options{
		AllowedOrigins: h.config.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After", security.RequestIDHeader},
		MaxAge:         600,
	})
}
