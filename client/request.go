package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// CSRF double-submit names used for same-domain state-changing calls.
const (
	csrfCookieName = "XSRF-TOKEN"
	csrfHeaderName = "X-XSRF-TOKEN"
)

// Paths that may legitimately answer 401 while a login is being set up or
// torn down. A 401 from any of them is handed back to the caller untouched.
var sessionMetaPaths = []string{
	"/session/check",
	"/session/idtoken",
	"/session/logout",
	"/userinfo",
	tokenPath,
}

// RequestOptions tunes one MakeAuthenticatedRequest call.
type RequestOptions struct {
	Header http.Header
	// SkipAutoLogout returns a 401 to the caller instead of clearing the
	// session and starting a new login.
	SkipAutoLogout bool
}

// MakeAuthenticatedRequest sends a request with the credentials appropriate
// for the client's DomainMode. Cross-domain calls carry the stored session
// token as a bearer token; same-domain state-changing calls carry the CSRF
// token from the cookie jar. Cookies are always sent.
//
// An unexpected 401 clears the durable session, starts a new login and
// returns ErrSessionExpired.
func (c *Client) MakeAuthenticatedRequest(ctx context.Context, method, target string, body io.Reader, opts RequestOptions) (*http.Response, error) {
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vals := range opts.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	c.attachCredentials(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Message: fmt.Sprintf("%s %s", method, redactURL(target)), Err: err}
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	if opts.SkipAutoLogout || c.isSessionMetaEndpoint(req.URL) {
		return resp, nil
	}

	drainAndClose(resp)
	c.logger.Warn("session rejected, starting new login", "url", redactURL(target))
	if err := c.store.ClearDurable(); err != nil {
		c.logger.Error("clear session failed", "error", err)
	}
	if err := c.Login(ctx); err != nil {
		c.logger.Error("re-login failed", "error", err)
		return nil, errors.Join(ErrSessionExpired, err)
	}
	return nil, ErrSessionExpired
}

func (c *Client) attachCredentials(req *http.Request) {
	if origin := originOf(c.currentURL()); origin != "" && req.Header.Get("Origin") == "" {
		req.Header.Set("Origin", origin)
	}

	switch c.DomainMode() {
	case CrossDomain:
		if token, ok := c.store.SessionToken(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case SameDomain:
		if isStateChanging(req.Method) {
			if token := c.csrfToken(req.URL); token != "" {
				req.Header.Set(csrfHeaderName, token)
			}
		}
	}
}

// csrfToken reads the CSRF cookie the authorization server set on its own
// domain. It is only consulted in same-domain mode.
func (c *Client) csrfToken(target *url.URL) string {
	if c.http.Jar == nil {
		return ""
	}
	for _, ck := range c.http.Jar.Cookies(target) {
		if ck.Name == csrfCookieName {
			return ck.Value
		}
	}
	return ""
}

func isStateChanging(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	default:
		return false
	}
}

// isSessionMetaEndpoint reports whether u is one of the authorization
// server's own session endpoints. API routes that merely end in the same
// path do not match.
func (c *Client) isSessionMetaEndpoint(u *url.URL) bool {
	path := strings.TrimSuffix(u.Path, "/")
	for _, p := range sessionMetaPaths {
		ep, err := url.Parse(c.cfg.endpoint(p))
		if err != nil {
			continue
		}
		if strings.EqualFold(u.Scheme, ep.Scheme) && strings.EqualFold(u.Host, ep.Host) && path == ep.Path {
			return true
		}
	}
	return false
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// redactURL drops the query so codes and tokens never reach the logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
