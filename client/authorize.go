package client

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const (
	authorizePath = "/oauth2/authorize"
	tokenPath     = "/oauth2/token"

	codeChallengeMethod = "S256"
)

// AuthorizationRequestBuilder composes authorization URLs and records the
// secrets they carry.
type AuthorizationRequestBuilder struct {
	cfg     ClientConfig
	secrets *SecretGenerator
	store   *SessionStateStore
}

// NewAuthorizationRequestBuilder wires a builder.
func NewAuthorizationRequestBuilder(cfg ClientConfig, secrets *SecretGenerator, store *SessionStateStore) *AuthorizationRequestBuilder {
	return &AuthorizationRequestBuilder{cfg: cfg, secrets: secrets, store: store}
}

// Build generates fresh secrets, persists them as the in-flight request and
// returns the authorization URL. When returnTo is set it is folded into the
// state so the callback can send the user back to where they started. The
// ephemeral record is fully written before Build returns.
func (b *AuthorizationRequestBuilder) Build(redirectURI, returnTo string) (string, error) {
	state, err := b.secrets.GenerateState()
	if err != nil {
		return "", err
	}
	if returnTo != "" {
		state = encodeReturnTo(state, returnTo)
	}
	nonce, err := b.secrets.GenerateNonce()
	if err != nil {
		return "", err
	}
	verifier, err := b.secrets.GenerateCodeVerifier()
	if err != nil {
		return "", err
	}
	challenge, err := b.secrets.GenerateCodeChallenge(verifier)
	if err != nil {
		return "", err
	}

	req := EphemeralAuthRequest{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
	}
	if err := b.store.SaveAuthRequest(req); err != nil {
		return "", fmt.Errorf("persist auth request: %w", err)
	}

	oauthCfg := oauth2.Config{
		ClientID:    b.cfg.ClientID,
		RedirectURL: redirectURI,
		Scopes:      strings.Fields(b.cfg.scope()),
		Endpoint: oauth2.Endpoint{
			AuthURL:  b.cfg.endpoint(authorizePath),
			TokenURL: b.cfg.endpoint(tokenPath),
		},
	}

	return oauthCfg.AuthCodeURL(state,
		oidc.Nonce(nonce),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", codeChallengeMethod),
	), nil
}

func encodeReturnTo(state, returnTo string) string {
	return state + "." + base64.RawURLEncoding.EncodeToString([]byte(returnTo))
}

// ReturnToFromState extracts the page encoded into a redirect-flow state.
func ReturnToFromState(state string) string {
	_, suffix, ok := strings.Cut(state, ".")
	if !ok || suffix == "" {
		return ""
	}
	b, err := base64.RawURLEncoding.DecodeString(suffix)
	if err != nil {
		return ""
	}
	return string(b)
}
