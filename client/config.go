package client

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"gopkg.in/yaml.v3"
)

// DefaultScope is requested when the configuration leaves scope empty.
var DefaultScope = oidc.ScopeOpenID + " profile email"

// DefaultSameDomainSuffixes lists host suffixes treated as one cookie domain
// even though the hostnames differ (local multi-service development).
var DefaultSameDomainSuffixes = []string{"telicent.localhost"}

// ClientConfig captures the settings for one client instance.
type ClientConfig struct {
	ClientID           string   `yaml:"client_id" json:"clientId"`
	AuthServerURL      string   `yaml:"auth_server_url" json:"authServerUrl"`
	RedirectURI        string   `yaml:"redirect_uri" json:"redirectUri"`
	PopupRedirectURI   string   `yaml:"popup_redirect_uri" json:"popupRedirectUri,omitempty"`
	Scope              string   `yaml:"scope" json:"scope,omitempty"`
	APIURL             string   `yaml:"api_url" json:"apiUrl,omitempty"`
	SameDomainSuffixes []string `yaml:"same_domain_suffixes" json:"sameDomainSuffixes,omitempty"`

	// OnLogout runs after a local logout completes. It is skipped when the
	// server hands back an external single-logout URL.
	OnLogout func() `yaml:"-" json:"-"`
}

// LoadConfig reads a YAML client config and merges environment overrides.
func LoadConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(stripYAMLComments(b)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("client configuration contains unknown keys", "error", err, "file", path)
				return ClientConfig{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			return ClientConfig{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *ClientConfig) {
	overrides := map[string]func(string){
		"CATALOGAUTH_CLIENT_ID":          func(v string) { cfg.ClientID = v },
		"CATALOGAUTH_AUTH_SERVER_URL":    func(v string) { cfg.AuthServerURL = v },
		"CATALOGAUTH_REDIRECT_URI":       func(v string) { cfg.RedirectURI = v },
		"CATALOGAUTH_POPUP_REDIRECT_URI": func(v string) { cfg.PopupRedirectURI = v },
		"CATALOGAUTH_SCOPE":              func(v string) { cfg.Scope = v },
		"CATALOGAUTH_API_URL":            func(v string) { cfg.APIURL = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// Validate performs the structural checks that hold regardless of which
// ConfigValidator the binary was built with.
func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return &ConfigurationError{Field: "client_id", Reason: "is required"}
	}
	if err := requireHTTPURL("auth_server_url", c.AuthServerURL); err != nil {
		return err
	}
	if err := requireHTTPURL("redirect_uri", c.RedirectURI); err != nil {
		return err
	}
	if c.PopupRedirectURI != "" {
		if err := requireHTTPURL("popup_redirect_uri", c.PopupRedirectURI); err != nil {
			return err
		}
	}
	if c.APIURL != "" {
		if err := requireHTTPURL("api_url", c.APIURL); err != nil {
			return err
		}
	}
	return nil
}

func requireHTTPURL(field, raw string) error {
	if raw == "" {
		return &ConfigurationError{Field: field, Reason: "is required"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ConfigurationError{Field: field, Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ConfigurationError{Field: field, Reason: fmt.Sprintf("must start with http:// or https://, got: %s", raw)}
	}
	if u.Host == "" {
		return &ConfigurationError{Field: field, Reason: "host is required"}
	}
	return nil
}

func (c ClientConfig) scope() string {
	if strings.TrimSpace(c.Scope) == "" {
		return DefaultScope
	}
	return c.Scope
}

func (c ClientConfig) endpoint(path string) string {
	return strings.TrimSuffix(c.AuthServerURL, "/") + path
}

func (c ClientConfig) sameDomainSuffixes() []string {
	if c.SameDomainSuffixes == nil {
		return DefaultSameDomainSuffixes
	}
	return c.SameDomainSuffixes
}
