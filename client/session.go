package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	sessionCheckPath = "/session/check"
	userInfoPath     = "/userinfo"
)

// IsAuthenticated asks the server whether the session is still live. A 401
// is an ordinary "no", never a trigger for a new login.
func (c *Client) IsAuthenticated(ctx context.Context) (bool, error) {
	resp, err := c.MakeAuthenticatedRequest(ctx, http.MethodGet, c.cfg.endpoint(sessionCheckPath), nil, RequestOptions{})
	if err != nil {
		return false, err
	}
	drainAndClose(resp)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, &TransportError{Status: resp.StatusCode, Message: "session check: " + resp.Status}
	}
}

// UserInfo fetches the OIDC userinfo document for the session.
func (c *Client) UserInfo(ctx context.Context) (map[string]any, error) {
	resp, err := c.MakeAuthenticatedRequest(ctx, http.MethodGet, c.cfg.endpoint(userInfoPath), nil, RequestOptions{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Status: resp.StatusCode, Message: "userinfo: " + resp.Status}
	}
	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return info, nil
}

// User returns the identity in the cached ID token. A cached token that no
// longer passes the recovery checks is dropped and nil is returned.
func (c *Client) User() *IDTokenClaims {
	token, ok := c.store.IDToken()
	if !ok {
		return nil
	}
	if !c.tokens.ValidateIDTokenForRecovery(token) {
		if err := c.store.DeleteIDToken(); err != nil {
			c.logger.Warn("drop stale id token failed", "error", err)
		}
		return nil
	}
	return DecodeJWT(token)
}

// SessionExpiry estimates when the session ends from the cached ID token.
// It makes no network call.
func (c *Client) SessionExpiry() (time.Time, bool) {
	token, ok := c.store.IDToken()
	if !ok {
		return time.Time{}, false
	}
	claims := DecodeJWT(token)
	if claims == nil || claims.ExpiresAt.IsZero() {
		return time.Time{}, false
	}
	return claims.ExpiresAt, true
}
