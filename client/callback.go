package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	idTokenPath = "/session/idtoken"

	errConsentRequired = "consent_required"
	maxErrorBody       = 64 << 10
)

// SessionRecord is the token endpoint's answer to a successful exchange.
// Fields the client does not interpret are kept in Extra.
type SessionRecord struct {
	SessionToken  string
	IsCrossDomain bool
	User          map[string]any
	// ReturnTo is the page the redirect flow started from, if it recorded one.
	ReturnTo string
	Extra    map[string]json.RawMessage
}

// UnmarshalJSON decodes the token endpoint payload.
func (r *SessionRecord) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, ok := raw["sessionToken"]; ok {
		if err := json.Unmarshal(v, &r.SessionToken); err != nil {
			return fmt.Errorf("sessionToken: %w", err)
		}
		delete(raw, "sessionToken")
	}
	if v, ok := raw["isCrossDomain"]; ok {
		if err := json.Unmarshal(v, &r.IsCrossDomain); err != nil {
			return fmt.Errorf("isCrossDomain: %w", err)
		}
		delete(raw, "isCrossDomain")
	}
	if v, ok := raw["user"]; ok {
		if err := json.Unmarshal(v, &r.User); err != nil {
			return fmt.Errorf("user: %w", err)
		}
		delete(raw, "user")
	}
	if len(raw) > 0 {
		r.Extra = raw
	}
	return nil
}

type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// HandleCallbackURL runs HandleCallback on the query of a callback URL.
func (c *Client) HandleCallbackURL(ctx context.Context, rawURL string) (*SessionRecord, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, protocolError("Missing code or state parameter")
	}
	return c.HandleCallback(ctx, u.Query())
}

// HandleCallback completes a login from the authorization server's callback
// parameters: it checks state, exchanges the code with the stored verifier,
// persists the session and tries to cache a validated ID token.
//
// When the server answers consent_required the flow is restarted by
// navigating to a fresh authorization URL and HandleCallback returns a nil
// record with a nil error.
func (c *Client) HandleCallback(ctx context.Context, params url.Values) (*SessionRecord, error) {
	if e := params.Get("error"); e != "" {
		return nil, protocolError("OAuth error: " + e)
	}
	code := params.Get("code")
	state := params.Get("state")
	if code == "" || state == "" {
		return nil, protocolError("Missing code or state parameter")
	}

	stored, err := c.store.LoadAuthRequest()
	if err != nil {
		return nil, fmt.Errorf("load auth request: %w", err)
	}
	if stored.State == "" || state != stored.State {
		return nil, protocolError("Invalid state parameter")
	}
	// Cleared before the exchange: a consent restart persists a new request
	// that must survive this call.
	if err := c.store.ClearAuthRequest(); err != nil {
		c.logger.Warn("clear auth request failed", "error", err)
	}

	if stored.CodeVerifier == "" {
		return nil, protocolError("Missing code verifier")
	}
	if stored.RedirectURI == "" {
		return nil, protocolError("Missing redirect URI")
	}

	resp, err := c.exchangeCode(ctx, code, stored)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleTokenError(ctx, resp, stored)
	}

	var record SessionRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, &TransportError{Status: resp.StatusCode, Message: "decode token response", Err: err}
	}
	record.ReturnTo = ReturnToFromState(stored.State)

	if record.IsCrossDomain && record.SessionToken != "" {
		if err := c.store.SetSessionToken(record.SessionToken); err != nil {
			return nil, fmt.Errorf("persist session: %w", err)
		}
	} else {
		record.SessionToken = ""
	}
	c.logger.Info("login completed", "cross_domain", record.IsCrossDomain)

	c.cacheIDToken(ctx)
	return &record, nil
}

func (c *Client) exchangeCode(ctx context.Context, code string, stored EphemeralAuthRequest) (*http.Response, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("code_verifier", stored.CodeVerifier)
	form.Set("redirect_uri", stored.RedirectURI)
	form.Set("client_id", c.cfg.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.endpoint(tokenPath), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if origin := originOf(c.currentURL()); origin != "" {
		req.Header.Set("Origin", origin)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Message: "token exchange", Err: err}
	}
	return resp, nil
}

func (c *Client) handleTokenError(ctx context.Context, resp *http.Response, stored EphemeralAuthRequest) (*SessionRecord, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, &TransportError{Status: resp.StatusCode, Message: "read token error", Err: err}
	}

	var parsed oauthErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return nil, &TransportError{Status: resp.StatusCode, Message: msg}
	}

	if parsed.Error == errConsentRequired {
		c.logger.Info("consent required, restarting authorization")
		target, err := c.builder.Build(stored.RedirectURI, ReturnToFromState(stored.State))
		if err != nil {
			return nil, err
		}
		if err := c.navigate(ctx, target); err != nil {
			return nil, fmt.Errorf("navigate to authorization: %w", err)
		}
		return nil, nil
	}

	msg := parsed.ErrorDescription
	if msg == "" {
		msg = parsed.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return nil, &TransportError{Status: resp.StatusCode, Message: msg}
}

// cacheIDToken fetches the session's ID token and keeps it only if it
// validates. Every failure here is logged and swallowed.
func (c *Client) cacheIDToken(ctx context.Context) {
	token, err := c.fetchIDToken(ctx)
	if err != nil {
		c.logger.Warn("id token retrieval failed", "error", err)
		return
	}
	if !c.tokens.ValidateIDToken(token) {
		c.logger.Warn("id token failed validation, not cached")
		return
	}
	if err := c.store.SetIDToken(token); err != nil {
		c.logger.Warn("id token not cached", "error", err)
	}
}

func (c *Client) fetchIDToken(ctx context.Context) (string, error) {
	resp, err := c.MakeAuthenticatedRequest(ctx, http.MethodGet, c.cfg.endpoint(idTokenPath), nil, RequestOptions{SkipAutoLogout: true})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("id token endpoint returned %s", resp.Status)
	}

	var payload struct {
		IDToken string `json:"id_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode id token response: %w", err)
	}
	if payload.IDToken == "" {
		return "", fmt.Errorf("id token missing in response")
	}
	return payload.IDToken, nil
}
