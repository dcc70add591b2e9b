package authserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// AuthorizeRequest encapsulates parsed parameters for /oauth2/authorize.
type AuthorizeRequest struct {
	Client              *Client
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildDiscoveryDocument(s.Tokens.Issuer()))
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.JWKS.PublicJWKS())
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseAuthorizeRequest(r)
	if err != nil {
		s.Logger.Warn("authorize invalid request", "error", err)
		// Only redirect back to a registered redirect_uri.
		if req.Client != nil && req.Client.ValidRedirect(req.RedirectURI) {
			oauthError(w, req.RedirectURI, req.State, "invalid_request", err.Error())
			return
		}
		http.Error(w, fmt.Sprintf("invalid_request: %s", err.Error()), http.StatusBadRequest)
		return
	}

	login := s.Sessions.LoginSession(w, r, s.devUser())
	now := s.now()
	code := AuthorizationCode{
		Code:                s.Store.NewID(),
		ClientID:            req.Client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		SessionID:           login.ID,
		UserID:              login.UserID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.Tokens.CodeTTL),
	}
	s.Store.SaveAuthCode(code)

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		oauthError(w, "", "", "server_error", "failed to issue code")
		return
	}
	values := redirect.Query()
	values.Set("code", code.Code)
	if req.State != "" {
		values.Set("state", req.State)
	}
	redirect.RawQuery = values.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (s *Server) parseAuthorizeRequest(r *http.Request) (AuthorizeRequest, error) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	if clientID == "" {
		return AuthorizeRequest{}, errors.New("client_id required")
	}
	client, ok := s.Clients.Get(clientID)
	if !ok {
		return AuthorizeRequest{}, errors.New("unknown client")
	}

	req := AuthorizeRequest{
		Client:      client,
		RedirectURI: q.Get("redirect_uri"),
		State:       q.Get("state"),
	}
	if req.RedirectURI == "" || !client.ValidRedirect(req.RedirectURI) {
		return req, errors.New("invalid redirect_uri")
	}
	if q.Get("response_type") != "code" {
		return req, errors.New("unsupported response_type")
	}

	req.Scope = q.Get("scope")
	if req.Scope == "" {
		req.Scope = "openid"
	}
	if !containsField(req.Scope, "openid") {
		return req, errors.New("scope must include openid")
	}

	req.CodeChallenge = q.Get("code_challenge")
	req.CodeChallengeMethod = q.Get("code_challenge_method")
	if req.CodeChallengeMethod != "S256" || req.CodeChallenge == "" {
		return req, errors.New("pkce required")
	}
	req.Nonce = q.Get("nonce")
	return req, nil
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	if gt := r.PostFormValue("grant_type"); gt != "authorization_code" {
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type", fmt.Sprintf("grant_type %q is not supported", gt))
		return
	}

	client, ok := s.Clients.Get(r.PostFormValue("client_id"))
	if !ok {
		tokenError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}

	code, ok := s.Store.ConsumeAuthCode(r.PostFormValue("code"), s.now())
	if !ok {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "code invalid or expired")
		return
	}
	if code.ClientID != client.ClientID {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "client mismatch")
		return
	}
	if code.RedirectURI != r.PostFormValue("redirect_uri") {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if err := verifyPKCE(code, r.PostFormValue("code_verifier")); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	}

	if client.RequireConsent && !s.Store.HasConsent(code.UserID, client.ClientID) {
		// The development user accepts every consent prompt; recording it
		// here lets the restarted authorization go through.
		s.Store.GrantConsent(code.UserID, client.ClientID)
		s.Logger.Info("consent required", "client_id", client.ClientID, "user_sub", code.UserID)
		tokenError(w, http.StatusForbidden, "consent_required", "user consent is required for this client")
		return
	}

	authTime := s.now()
	if login, ok := s.Store.GetSession(code.SessionID); ok {
		authTime = login.AuthTime
	}
	crossDomain := s.isCrossDomain(r)
	sess := s.Sessions.Create(w, code, authTime, crossDomain)

	resp := TokenResponse{
		IsCrossDomain: crossDomain,
		ExpiresAt:     sess.ExpiresAt.Unix(),
	}
	if crossDomain {
		resp.SessionToken = sess.ID
	}
	if p, ok := s.Store.LookupUserProfile(sess.UserID); ok {
		resp.User = p
	} else {
		resp.User = UserProfile{Subject: sess.UserID}
	}

	s.Logger.Info("session created", "client_id", client.ClientID, "cross_domain", crossDomain)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, resp)
}

func (s *Server) handleIDToken(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	token, err := s.Tokens.Mint(sess)
	if err != nil {
		s.Logger.Error("mint id token", "error", err)
		tokenError(w, http.StatusInternalServerError, "server_error", "failed to mint id token")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, map[string]string{"id_token": token})
}

func (s *Server) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.Sessions.Fetch(r)
	if !ok {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, map[string]any{
		"authenticated": true,
		"isCrossDomain": sess.CrossDomain,
		"expiresAt":     sess.ExpiresAt.Unix(),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, src, ok := s.Sessions.Fetch(r)
	if !ok {
		writeJSON(w, map[string]any{})
		return
	}
	if !s.Sessions.CheckCSRF(r, sess, src) {
		tokenError(w, http.StatusForbidden, "invalid_request", "csrf token mismatch")
		return
	}
	s.Sessions.Destroy(w, r, sess)
	s.Logger.Info("session ended", "client_id", sess.ClientID)

	if client, ok := s.Clients.Get(sess.ClientID); ok && client.ExternalLogoutURL != "" {
		writeJSON(w, map[string]any{"external_logout": true, "logout_url": client.ExternalLogoutURL})
		return
	}
	writeJSON(w, map[string]any{})
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	profile, found := s.Store.LookupUserProfile(sess.UserID)
	if !found {
		profile = UserProfile{Subject: sess.UserID}
	}
	writeJSON(w, profile)
}

// requireSession resolves the session and enforces CSRF. It writes the
// error response itself when it returns false.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	sess, src, ok := s.Sessions.Fetch(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		tokenError(w, http.StatusUnauthorized, "invalid_token", "no active session")
		return Session{}, false
	}
	if !s.Sessions.CheckCSRF(r, sess, src) {
		tokenError(w, http.StatusForbidden, "invalid_request", "csrf token mismatch")
		return Session{}, false
	}
	return sess, true
}

func containsField(list, want string) bool {
	for _, f := range strings.Fields(list) {
		if f == want {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func tokenError(w http.ResponseWriter, status int, code, desc string) {
	writeJSONStatus(w, status, map[string]string{"error": code, "error_description": desc})
}

// oauthError reports an authorize error on the client's redirect URI, or as
// JSON when the URI is not safe to redirect to.
func oauthError(w http.ResponseWriter, redirectURI, state, code, desc string) {
	if redirectURI == "" || !isSafeRedirectURI(redirectURI) {
		tokenError(w, http.StatusBadRequest, code, desc)
		return
	}
	uri, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, desc, http.StatusBadRequest)
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}
