package oauth

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/giantswarm/oauth-provider/server"
)

// ServeListConsents lists the apps the signed-in user has authorized
func (h *Handler) ServeListConsents(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	consents, err := h.server.ListConsents(r.Context(), userID)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	resp := make([]ConsentResponse, 0, len(consents))
	for _, c := range consents {
		resp = append(resp, consentResponseFrom(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ServeRevokeConsent withdraws the user's consent for one app. Every token
// and pending code of that user and app is invalidated with it.
func (h *Handler) ServeRevokeConsent(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	if err := h.server.RevokeConsent(r.Context(), userID, chi.URLParam(r, "appID")); err != nil {
		h.writeServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// ServeListApps lists the signed-in developer's apps
func (h *Handler) ServeListApps(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	apps, err := h.server.ListAppsForUser(r.Context(), userID)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	resp := make([]AppResponse, 0, len(apps))
	for _, app := range apps {
		resp = append(resp, appSummaryFrom(app))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ServeCreateApp registers an app. The plaintext secret appears in this
// response and nowhere else.
func (h *Handler) ServeCreateApp(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req CreateAppRequest
	if err := decodeBody(w, r, &req, func(form url.Values) {
		req = CreateAppRequest{
			Name:         form.Get("name"),
			Description:  form.Get("description"),
			HomepageURL:  form.Get("homepageUrl"),
			LogoURL:      form.Get("logoUrl"),
			RedirectURIs: form["redirectUris"],
			IsPublic:     form.Get("isPublic") == "true",
		}
	}); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	created, err := h.server.CreateApp(r.Context(), userID, server.CreateAppRequest{
		Name:         req.Name,
		Description:  req.Description,
		HomepageURL:  req.HomepageURL,
		LogoURL:      req.LogoURL,
		RedirectURIs: req.RedirectURIs,
		IsPublic:     req.IsPublic,
	})
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateAppResponse{
		AppResponse:  appResponseFrom(created.App),
		ClientSecret: created.Secret.Plaintext(),
	})
}

// ServeGetApp returns one of the developer's apps
func (h *Handler) ServeGetApp(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	app, err := h.server.GetAppForOwner(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appResponseFrom(app))
}

// ServeDeleteApp deletes an app and everything issued to it
func (h *Handler) ServeDeleteApp(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	if err := h.server.DeleteApp(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		h.writeServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// ServeRegenerateSecret rotates an app's client secret
func (h *Handler) ServeRegenerateSecret(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	app, err := h.server.GetAppForOwner(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	secret, err := h.server.RegenerateSecret(r.Context(), app.ID, userID)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SecretResponse{
		ClientID:     app.ClientID,
		ClientSecret: secret.Plaintext(),
	})
}
