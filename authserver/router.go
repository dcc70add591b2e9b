package authserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with every endpoint the client uses.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.Logger))
	r.Use(RecoveryMiddleware(s.Logger))
	r.Use(CORSMiddleware(s.Config.CORSOrigins()))
	if !s.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(31536000))
	}

	r.Get("/.well-known/openid-configuration", s.handleDiscovery)
	r.Get("/.well-known/jwks.json", s.handleJWKS)

	r.Get("/oauth2/authorize", s.handleAuthorize)
	r.With(s.limiter.Middleware).Post("/oauth2/token", s.handleToken)

	r.Route("/session", func(r chi.Router) {
		r.Get("/check", s.handleSessionCheck)
		r.Get("/idtoken", s.handleIDToken)
		r.Post("/idtoken", s.handleIDToken)
		r.Post("/logout", s.handleLogout)
	})
	r.Get("/userinfo", s.handleUserInfo)

	return r
}
