package authserver

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Token and session defaults.
const (
	DefaultSessionTTL = 12 * time.Hour
	DefaultIDTokenTTL = 10 * time.Minute
	DefaultCodeTTL    = 5 * time.Minute
)

// Config captures the reference server configuration loaded from YAML and
// environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Tokens    TokenConfig     `yaml:"tokens"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	DevUser   DevUser         `yaml:"dev_user"`
	Clients   []ClientConfig  `yaml:"clients"`
}

// ServerConfig controls listener, TLS and cookie concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	KeysPath        string    `yaml:"keys_path"`
	TLS             TLSConfig `yaml:"tls"`
	// SameDomainSuffixes lists parent domains whose subdomains count as the
	// server's own origin when deciding cookie versus bearer sessions.
	SameDomainSuffixes []string `yaml:"same_domain_suffixes"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// SessionConfig controls browser session lifetime.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// TokenConfig controls ID token and code lifetimes.
type TokenConfig struct {
	IDTokenTTL time.Duration `yaml:"id_token_ttl"`
	CodeTTL    time.Duration `yaml:"code_ttl"`
}

// RateLimitConfig bounds token endpoint traffic per client.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// DevUser is the identity every dev-mode login resolves to.
type DevUser struct {
	Subject       string `yaml:"subject"`
	Email         string `yaml:"email"`
	Name          string `yaml:"name"`
	PreferredName string `yaml:"preferred_name"`
}

// ClientConfig describes a registered public client.
type ClientConfig struct {
	ClientID       string   `yaml:"client_id"`
	RedirectURIs   []string `yaml:"redirect_uris"`
	RequireConsent bool     `yaml:"require_consent"`
	// ExternalLogoutURL, when set, is handed back by /session/logout so the
	// client can continue with the upstream identity provider's logout.
	ExternalLogoutURL string `yaml:"external_logout_url"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(stripYAMLComments(b)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:          "http://localhost:9080",
			DevListenAddr:      "127.0.0.1:9080",
			HTTPListenAddr:     ":80",
			HTTPSListenAddr:    ":443",
			DevMode:            true,
			KeysPath:           ".secrets/jwks.json",
			SameDomainSuffixes: []string{"telicent.localhost"},
			TLS: TLSConfig{
				Domains:  []string{"localhost"},
				CacheDir: ".secrets/autocert",
			},
		},
		Sessions:  SessionConfig{TTL: DefaultSessionTTL},
		Tokens:    TokenConfig{IDTokenTTL: DefaultIDTokenTTL, CodeTTL: DefaultCodeTTL},
		RateLimit: RateLimitConfig{RequestsPerMinute: 60, Burst: 20},
		DevUser: DevUser{
			Subject:       "dev-user",
			Email:         "dev@example.com",
			Name:          "Dev User",
			PreferredName: "dev",
		},
		Clients: []ClientConfig{{
			ClientID:     "catalog-ui",
			RedirectURIs: []string{"http://127.0.0.1:8765/callback", "http://127.0.0.1:8765/popup-callback"},
		}},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
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

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHSERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"AUTHSERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHSERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHSERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHSERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHSERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"AUTHSERVER_KEYS_PATH":         func(v string) { cfg.Server.KeysPath = v },
		"AUTHSERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHSERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"AUTHSERVER_SESSION_TTL":       func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"AUTHSERVER_RATE_LIMIT_RPM": func(v string) {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.RateLimit.RequestsPerMinute = n
			}
		},
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.CookieDomain != "" {
		host := publicHost(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if c.Sessions.TTL <= 0 {
		slog.Error("Invalid configuration value", "field", "sessions.ttl", "value", c.Sessions.TTL)
		return errors.New("sessions.ttl must be positive")
	}
	if c.Tokens.IDTokenTTL <= 0 || c.Tokens.CodeTTL <= 0 {
		slog.Error("Invalid token lifetimes", "id_token_ttl", c.Tokens.IDTokenTTL, "code_ttl", c.Tokens.CodeTTL)
		return errors.New("tokens.id_token_ttl and tokens.code_ttl must be positive")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		slog.Error("Invalid rate limit", "requests_per_minute", c.RateLimit.RequestsPerMinute, "burst", c.RateLimit.Burst)
		return errors.New("rate_limit values must not be negative")
	}

	if len(c.Clients) == 0 {
		slog.Error("No clients configured")
		return errors.New("at least one client must be configured")
	}
	for i, client := range c.Clients {
		if client.ClientID == "" {
			slog.Error("Client missing client_id", "index", i)
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if len(client.RedirectURIs) == 0 {
			slog.Error("Client missing redirect URIs", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if !isSafeRedirectURI(uri) {
				slog.Error("Invalid redirect URI", "client_id", client.ClientID, "redirect_uri", uri, "index", j, "reason", "must be a safe HTTP(S) URL")
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] is not a safe http(s) URL: %s", i, client.ClientID, j, uri)
			}
		}
		if client.ExternalLogoutURL != "" && !isSafeRedirectURI(client.ExternalLogoutURL) {
			slog.Error("Invalid external logout URL", "client_id", client.ClientID, "external_logout_url", client.ExternalLogoutURL)
			return fmt.Errorf("clients[%d] (%s): external_logout_url is not a safe http(s) URL", i, client.ClientID)
		}
	}

	if c.DevUser.Subject == "" {
		slog.Error("Missing required configuration", "field", "dev_user.subject")
		return errors.New("dev_user.subject is required")
	}
	return nil
}

// CORSOrigins extracts allowed origins from the clients' redirect URIs.
func (c Config) CORSOrigins() []string {
	seen := make(map[string]bool)
	origins := []string{}
	for _, client := range c.Clients {
		for _, uri := range client.RedirectURIs {
			if origin := extractOrigin(uri); origin != "" && !seen[origin] {
				seen[origin] = true
				origins = append(origins, origin)
			}
		}
	}
	return origins
}

func extractOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func publicHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
