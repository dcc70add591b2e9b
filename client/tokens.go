package client

import (
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issued-at windows. A token fetched during a live callback must be fresh;
// a token re-read from durable storage after a reload is trusted for longer.
const (
	liveIssuedAtWindow     = 5 * time.Minute
	recoveryIssuedAtWindow = time.Hour
)

// IDTokenClaims is the decoded, unverified payload of an ID token. It is used
// for display and offline expiry estimation only.
type IDTokenClaims struct {
	Subject       string
	Email         string
	PreferredName string
	Issuer        string
	Audience      []string
	ExpiresAt     time.Time
	IssuedAt      time.Time
	TokenID       string
	Nonce         string
	AuthTime      time.Time
	SessionID     string
	AuthorizedBy  string
	Raw           map[string]any
}

// DecodeJWT decodes the payload of a compact JWT without checking its
// signature. It returns nil for anything that is not a well-formed token.
func DecodeJWT(token string) *IDTokenClaims {
	if token == "" {
		return nil
	}
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return nil
	}

	claims := &IDTokenClaims{Raw: make(map[string]any, len(mc))}
	for k, v := range mc {
		claims.Raw[k] = v
	}
	claims.Subject, _ = mc.GetSubject()
	claims.Issuer, _ = mc.GetIssuer()
	if aud, err := mc.GetAudience(); err == nil {
		claims.Audience = aud
	}
	claims.ExpiresAt = numericTime(mc.GetExpirationTime())
	claims.IssuedAt = numericTime(mc.GetIssuedAt())
	claims.Email, _ = mc["email"].(string)
	claims.PreferredName, _ = mc["preferred_name"].(string)
	claims.TokenID, _ = mc["jti"].(string)
	claims.Nonce, _ = mc["nonce"].(string)
	claims.SessionID, _ = mc["sid"].(string)
	claims.AuthorizedBy, _ = mc["azp"].(string)
	if v, ok := mc["auth_time"].(float64); ok {
		claims.AuthTime = time.Unix(int64(v), 0)
	}
	return claims
}

func numericTime(d *jwt.NumericDate, err error) time.Time {
	if err != nil || d == nil {
		return time.Time{}
	}
	return d.Time
}

// TokenValidator checks the structural and semantic claims of ID tokens.
// Failures are logged and reported as false, never returned as errors.
type TokenValidator struct {
	clientID string
	store    *SessionStateStore
	now      func() time.Time
	logger   *slog.Logger
}

// NewTokenValidator builds a validator bound to clientID and the nonce kept
// in store.
func NewTokenValidator(clientID string, store *SessionStateStore, now func() time.Time, logger *slog.Logger) *TokenValidator {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenValidator{clientID: clientID, store: store, now: now, logger: logger}
}

// ValidateIDToken checks a token returned by a live login. The stored nonce
// must match and is removed once the token passes, so a second call with the
// same token fails.
func (v *TokenValidator) ValidateIDToken(token string) bool {
	claims := DecodeJWT(token)
	if claims == nil {
		v.reject("malformed token")
		return false
	}

	expected, ok := v.store.Nonce()
	if !ok {
		v.reject("no stored nonce")
		return false
	}
	if claims.Nonce == "" || claims.Nonce != expected {
		v.reject("nonce mismatch")
		return false
	}

	if !v.checkClaims(claims, liveIssuedAtWindow) {
		return false
	}

	if err := v.store.ClearNonce(); err != nil {
		v.logger.Warn("clear nonce failed", "error", err)
	}
	return true
}

// ValidateIDTokenForRecovery checks a previously stored token when a session
// is re-hydrated without a login exchange. The nonce is not consulted.
func (v *TokenValidator) ValidateIDTokenForRecovery(token string) bool {
	claims := DecodeJWT(token)
	if claims == nil {
		v.reject("malformed token")
		return false
	}
	return v.checkClaims(claims, recoveryIssuedAtWindow)
}

func (v *TokenValidator) checkClaims(claims *IDTokenClaims, iatWindow time.Duration) bool {
	if len(claims.Audience) != 1 || claims.Audience[0] != v.clientID {
		v.reject("audience mismatch", "aud", claims.Audience)
		return false
	}

	now := v.now()
	if claims.ExpiresAt.IsZero() || !claims.ExpiresAt.After(now) {
		v.reject("token expired", "exp", claims.ExpiresAt)
		return false
	}
	if claims.IssuedAt.IsZero() || now.Sub(claims.IssuedAt) >= iatWindow {
		v.reject("token issued too long ago", "iat", claims.IssuedAt, "window", iatWindow)
		return false
	}
	return true
}

func (v *TokenValidator) reject(reason string, attrs ...any) {
	v.logger.Warn("id token rejected", append([]any{"client_id", v.clientID, "reason", reason}, attrs...)...)
}
