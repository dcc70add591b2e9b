package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
)

const logoutPath = "/session/logout"

type logoutResponse struct {
	ExternalLogout bool   `json:"external_logout"`
	LogoutURL      string `json:"logout_url"`
}

// Logout ends the session. The server call is best effort: a failed request
// or an unreadable answer is logged and local state is cleared anyway.
// When the server asks for an external single logout the host is sent to
// that URL and OnLogout is not called.
func (c *Client) Logout(ctx context.Context) error {
	external := c.remoteLogout(ctx)

	if err := c.store.ClearAll(); err != nil {
		c.logger.Error("clear session failed", "error", err)
	}

	if external != "" {
		c.logger.Info("redirecting to external logout", "url", redactURL(external))
		return c.navigate(ctx, external)
	}
	c.logger.Info("logged out")
	if c.cfg.OnLogout != nil {
		c.cfg.OnLogout()
	}
	return nil
}

// remoteLogout returns the external logout URL, if the server sent one.
func (c *Client) remoteLogout(ctx context.Context) string {
	resp, err := c.MakeAuthenticatedRequest(ctx, http.MethodPost, c.cfg.endpoint(logoutPath), nil, RequestOptions{SkipAutoLogout: true})
	if err != nil {
		c.logger.Warn("logout request failed", "error", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("logout rejected", "status", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		c.logger.Warn("logout response unreadable", "error", err)
		return ""
	}
	var out logoutResponse
	if err := json.Unmarshal(body, &out); err != nil {
		c.logger.Debug("logout response not json", "error", err)
		return ""
	}
	if out.ExternalLogout && out.LogoutURL != "" {
		return out.LogoutURL
	}
	return ""
}
