package authserver

import (
	"errors"
	"strings"
)

// ClientRegistry holds registered clients.
type ClientRegistry struct {
	clients map[string]*Client
}

// NewClientRegistry builds the registry from configuration.
func NewClientRegistry(cfgs []ClientConfig) (*ClientRegistry, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		clients[cfg.ClientID] = &Client{
			ClientID:          cfg.ClientID,
			RedirectURIs:      cfg.RedirectURIs,
			RequireConsent:    cfg.RequireConsent,
			ExternalLogoutURL: cfg.ExternalLogoutURL,
		}
	}
	return &ClientRegistry{clients: clients}, nil
}

// Get retrieves a client definition.
func (cr *ClientRegistry) Get(id string) (*Client, bool) {
	client, ok := cr.clients[id]
	return client, ok
}

// ValidRedirect ensures the redirect URI is registered and safe.
func (c *Client) ValidRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// isSafeRedirectURI rejects non-http(s) schemes, protocol-relative URLs,
// userinfo and fragments smuggled into the host part.
func isSafeRedirectURI(uri string) bool {
	if uri == "" || strings.HasPrefix(uri, "//") {
		return false
	}
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return false
	}
	if scheme != "http" && scheme != "https" {
		return false
	}
	if strings.Contains(rest, "@") {
		return false
	}
	host := rest
	if i := strings.Index(rest, "/"); i != -1 {
		host = rest[:i]
	}
	return host != "" && !strings.Contains(host, "#")
}
