package authserver

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// IDTokenIssuer mints the ID tokens served from /session/idtoken.
type IDTokenIssuer struct {
	issuer string
	ttl    time.Duration
	jwks   *JWKSManager
	store  *InMemoryStore
	now    func() time.Time
}

// NewIDTokenIssuer constructs an IDTokenIssuer.
func NewIDTokenIssuer(cfg Config, jwks *JWKSManager, store *InMemoryStore, now func() time.Time) *IDTokenIssuer {
	return &IDTokenIssuer{
		issuer: strings.TrimSuffix(cfg.Server.PublicURL, "/"),
		ttl:    cfg.Tokens.IDTokenTTL,
		jwks:   jwks,
		store:  store,
		now:    now,
	}
}

// Issuer returns the iss claim value.
func (ti *IDTokenIssuer) Issuer() string {
	return ti.issuer
}

// Mint signs a fresh ID token for the session's user and client.
func (ti *IDTokenIssuer) Mint(sess Session) (string, error) {
	if sess.ClientID == "" {
		return "", errors.New("session has no client")
	}
	now := ti.now()
	claims := jwt.MapClaims{
		"iss":       ti.issuer,
		"sub":       sess.UserID,
		"aud":       sess.ClientID,
		"azp":       sess.ClientID,
		"exp":       now.Add(ti.ttl).Unix(),
		"iat":       now.Unix(),
		"auth_time": sess.AuthTime.Unix(),
		"jti":       ti.store.NewID(),
		"sid":       sess.ID,
	}
	if sess.Nonce != "" {
		claims["nonce"] = sess.Nonce
	}
	if p, ok := ti.store.LookupUserProfile(sess.UserID); ok {
		if p.Email != "" {
			claims["email"] = p.Email
		}
		if p.PreferredName != "" {
			claims["preferred_name"] = p.PreferredName
		}
		if p.Name != "" {
			claims["name"] = p.Name
		}
	}
	return ti.jwks.Sign(claims)
}

func verifyPKCE(code AuthorizationCode, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	if code.CodeChallengeMethod != "S256" {
		return errors.New("unsupported code_challenge_method")
	}
	if oauth2.S256ChallengeFromVerifier(verifier) != code.CodeChallenge {
		return errors.New("pkce verification failed")
	}
	return nil
}
