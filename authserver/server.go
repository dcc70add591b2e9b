// Package authserver is a reference authorization server for the catalog
// authentication client. It serves the authorize, token, session and
// userinfo endpoints the client consumes, with a fixed development user in
// place of an upstream identity provider.
package authserver

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Server bundles runtime dependencies for the HTTP service.
type Server struct {
	Config   Config
	Logger   *slog.Logger
	Store    *InMemoryStore
	Sessions *SessionManager
	Tokens   *IDTokenIssuer
	JWKS     *JWKSManager
	Clients  *ClientRegistry

	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time

	limiter *clientRateLimiter
}

// NewServer wires the server state from configuration.
func NewServer(cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clients, err := NewClientRegistry(cfg.Clients)
	if err != nil {
		return nil, fmt.Errorf("clients: %w", err)
	}
	jwks, err := NewJWKSManager(cfg.Server.KeysPath, logger)
	if err != nil {
		return nil, fmt.Errorf("signing keys: %w", err)
	}

	s := &Server{
		Config:  cfg,
		Logger:  logger,
		Store:   NewInMemoryStore(),
		JWKS:    jwks,
		Clients: clients,
		limiter: newClientRateLimiter(cfg.RateLimit, logger),
	}
	s.Sessions = NewSessionManager(cfg, s.Store, logger, s.now)
	s.Tokens = NewIDTokenIssuer(cfg, jwks, s.Store, s.now)
	return s, nil
}

func (s *Server) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *Server) devUser() UserProfile {
	u := s.Config.DevUser
	return UserProfile{
		Subject:       u.Subject,
		Email:         u.Email,
		Name:          u.Name,
		PreferredName: u.PreferredName,
	}
}

// isCrossDomain decides how the session from a token exchange travels. A
// request whose Origin shares the server's host, or sits with it under one
// of the configured suffixes, gets cookies; anything else, including a
// request with no Origin, gets a bearer token.
func (s *Server) isCrossDomain(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return true
	}
	originHost := strings.ToLower(u.Hostname())
	serverHost := strings.ToLower(r.Host)
	if h, _, err := net.SplitHostPort(serverHost); err == nil {
		serverHost = h
	}
	if originHost == serverHost {
		return false
	}
	for _, suffix := range s.Config.Server.SameDomainSuffixes {
		suffix = strings.ToLower(strings.TrimPrefix(suffix, "."))
		if suffix == "" {
			continue
		}
		if underSuffix(originHost, suffix) && underSuffix(serverHost, suffix) {
			return false
		}
	}
	return true
}

func underSuffix(host, suffix string) bool {
	return host == suffix || strings.HasSuffix(host, "."+suffix)
}
