// Package oauth is the HTTP surface of the authorization server.
//
// Handler adapts a server.Server to HTTP: the consent screen details and
// decision, the token endpoint, userinfo, RFC 7009 revocation, the user's
// consent list and the developer app registry. Routes mounts them on a chi
// router with request ids, security headers, per-IP rate limiting on the
// token and revocation endpoints and optional CORS for browser clients.
//
// End-user authentication is not handled here. Endpoints acting for a
// signed-in user ask a SessionResolver; the default reads a header set by
// an authenticating gateway.
//
// Basic usage:
//
//	store := memory.New()
//	srv, err := server.New(store, server.DefaultConfig(), logger)
//	if err != nil {
//		return err
//	}
//	handler := oauth.NewHandler(srv, &oauth.Config{Issuer: "https://auth.example.com"}, nil, logger)
//	defer handler.Close()
//	http.ListenAndServe(":8080", handler.Routes())
package oauth
