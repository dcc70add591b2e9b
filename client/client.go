// Package client implements the browser-side half of the data catalog's
// OAuth2 authorization code flow with PKCE: login by redirect or popup,
// callback processing, credential attachment on API calls and logout.
//
// Host capabilities (randomness, hashing, storage, navigation and the popup
// message bus) are injected through Options so the protocol logic runs the
// same in a browser bridge, a CLI or a test.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"slices"
	"time"

	"golang.org/x/net/publicsuffix"
)

// DefaultPopupPollInterval is how often a popup is checked for manual closure.
const DefaultPopupPollInterval = time.Second

// Options carries the injected host capabilities. Zero values get defaults:
// crypto/rand, SHA-256, in-memory storage, an in-process message bus, an HTTP
// client with a cookie jar, slog.Default and the build's ConfigValidator.
type Options struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	Ephemeral  Storage
	Durable    Storage
	Navigator  Navigator
	Bus        MessageBus
	Random     RandomSource
	Digest     Digest
	Now        func() time.Time
	Validator  ConfigValidator

	PopupPollInterval time.Duration
}

// Client is one authentication client instance. Construct it once and pass
// it to whatever needs authenticated calls.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	http   *http.Client
	nav    Navigator
	bus    MessageBus
	now    func() time.Time

	store   *SessionStateStore
	secrets *SecretGenerator
	builder *AuthorizationRequestBuilder
	tokens  *TokenValidator
	domain  *DomainModeResolver

	pollInterval time.Duration
}

// New validates cfg and builds a Client. An invalid configuration fails with
// a *ConfigurationError.
func New(cfg ClientConfig, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	validator := opts.Validator
	if validator == nil {
		validator = defaultConfigValidator()
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("client configuration invalid", "error", err)
		return nil, err
	}
	if err := validator.ValidateConfig(cfg); err != nil {
		logger.Error("client configuration rejected", "error", err)
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
		return nil, &ConfigurationError{Reason: err.Error()}
	}
	cfg.SameDomainSuffixes = slices.Clone(cfg.sameDomainSuffixes())

	httpClient := opts.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		httpClient = &http.Client{Timeout: 30 * time.Second, Jar: jar}
	}

	ephemeral := opts.Ephemeral
	if ephemeral == nil {
		ephemeral = NewMemoryStorage()
	}
	durable := opts.Durable
	if durable == nil {
		durable = NewMemoryStorage()
	}
	random := opts.Random
	if random == nil {
		random = defaultRandom()
	}
	digest := opts.Digest
	if digest == nil {
		digest = SHA256Digest{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	bus := opts.Bus
	if bus == nil {
		bus = NewLocalBus()
	}
	poll := opts.PopupPollInterval
	if poll <= 0 {
		poll = DefaultPopupPollInterval
	}

	store := NewSessionStateStore(ephemeral, durable)
	secrets := NewSecretGenerator(random, digest)

	c := &Client{
		cfg:          cfg,
		logger:       logger.With("client_id", cfg.ClientID),
		http:         httpClient,
		nav:          opts.Navigator,
		bus:          bus,
		now:          now,
		store:        store,
		secrets:      secrets,
		builder:      NewAuthorizationRequestBuilder(cfg, secrets, store),
		tokens:       NewTokenValidator(cfg.ClientID, store, now, logger),
		pollInterval: poll,
	}
	c.domain = NewDomainModeResolver(cfg.AuthServerURL, c.currentURL, cfg.SameDomainSuffixes)
	return c, nil
}

// Config returns a copy of the client's configuration.
func (c *Client) Config() ClientConfig {
	cfg := c.cfg
	cfg.SameDomainSuffixes = slices.Clone(c.cfg.SameDomainSuffixes)
	return cfg
}

// DomainMode reports whether this client runs same-domain or cross-domain.
func (c *Client) DomainMode() DomainMode {
	return c.domain.Mode()
}

// Secrets exposes the client's SecretGenerator.
func (c *Client) Secrets() *SecretGenerator {
	return c.secrets
}

// ValidateIDToken checks a freshly issued ID token against the stored nonce.
func (c *Client) ValidateIDToken(token string) bool {
	return c.tokens.ValidateIDToken(token)
}

// ValidateIDTokenForRecovery checks a stored ID token without a nonce.
func (c *Client) ValidateIDTokenForRecovery(token string) bool {
	return c.tokens.ValidateIDTokenForRecovery(token)
}

func (c *Client) currentURL() string {
	if c.nav != nil {
		if u := c.nav.CurrentURL(); u != "" {
			return u
		}
	}
	return c.cfg.RedirectURI
}

func (c *Client) navigate(ctx context.Context, target string) error {
	if c.nav == nil {
		return errNoNavigator
	}
	return c.nav.Navigate(ctx, target)
}
