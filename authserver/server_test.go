package authserver

import (
	"context"
	"crypto"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/oauth2"
)

const testClientID = "catalog-ui"

type testEnv struct {
	t       *testing.T
	srv     *Server
	ts      *httptest.Server
	browser *http.Client
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.KeysPath = ""
	cfg.Clients = []ClientConfig{{
		ClientID:     testClientID,
		RedirectURIs: []string{"http://app.example/callback"},
	}}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := NewServer(cfg, logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &testEnv{
		t:   t,
		srv: srv,
		ts:  ts,
		browser: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}},
	}
}

// authorize runs the authorize step and returns the issued code.
func (e *testEnv) authorize(verifier, nonce string) string {
	e.t.Helper()
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", testClientID)
	q.Set("redirect_uri", "http://app.example/callback")
	q.Set("scope", "openid profile email")
	q.Set("state", "state-1")
	q.Set("nonce", nonce)
	q.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	q.Set("code_challenge_method", "S256")

	resp, err := e.browser.Get(e.ts.URL + "/oauth2/authorize?" + q.Encode())
	if err != nil {
		e.t.Fatalf("authorize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		body, _ := io.ReadAll(resp.Body)
		e.t.Fatalf("authorize status = %d: %s", resp.StatusCode, body)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		e.t.Fatalf("parse location: %v", err)
	}
	if got := loc.Query().Get("state"); got != "state-1" {
		e.t.Fatalf("state = %q", got)
	}
	return loc.Query().Get("code")
}

func (e *testEnv) exchange(code, verifier, origin string) *http.Response {
	e.t.Helper()
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("code_verifier", verifier)
	form.Set("redirect_uri", "http://app.example/callback")
	form.Set("client_id", testClientID)
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("token: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestCrossDomainExchangeReturnsBearerSession(t *testing.T) {
	env := newTestEnv(t, nil)
	verifier := oauth2.GenerateVerifier()
	code := env.authorize(verifier, "nonce-1")

	resp := env.exchange(code, verifier, "http://app.example")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d", resp.StatusCode)
	}
	if len(resp.Cookies()) != 0 {
		t.Fatalf("cross-domain exchange set cookies: %v", resp.Cookies())
	}
	tr := decode[TokenResponse](t, resp)
	if !tr.IsCrossDomain || tr.SessionToken == "" {
		t.Fatalf("expected bearer session, got %+v", tr)
	}
	want := UserProfile{Subject: "dev-user", Email: "dev@example.com", Name: "Dev User", PreferredName: "dev"}
	if diff := cmp.Diff(want, tr.User); diff != "" {
		t.Fatalf("user mismatch (-want +got):\n%s", diff)
	}

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/session/check", nil)
	req.Header.Set("Authorization", "Bearer "+tr.SessionToken)
	check, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("session check: %v", err)
	}
	check.Body.Close()
	if check.StatusCode != http.StatusOK {
		t.Fatalf("session check status = %d", check.StatusCode)
	}
}

func TestSameOriginExchangeSetsCookies(t *testing.T) {
	env := newTestEnv(t, nil)
	verifier := oauth2.GenerateVerifier()
	code := env.authorize(verifier, "nonce-1")

	resp := env.exchange(code, verifier, env.ts.URL)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d", resp.StatusCode)
	}
	names := map[string]*http.Cookie{}
	for _, c := range resp.Cookies() {
		names[c.Name] = c
	}
	tr := decode[TokenResponse](t, resp)
	if tr.IsCrossDomain || tr.SessionToken != "" {
		t.Fatalf("same-domain response leaked a bearer token: %+v", tr)
	}
	if c := names[sessionCookieName]; c == nil || !c.HttpOnly {
		t.Fatalf("session cookie missing or readable by scripts: %+v", c)
	}
	if c := names[csrfCookieName]; c == nil || c.HttpOnly || c.Value == "" {
		t.Fatalf("csrf cookie must be readable: %+v", c)
	}
}

func TestTokenRejectsBadVerifierAndReplay(t *testing.T) {
	env := newTestEnv(t, nil)
	verifier := oauth2.GenerateVerifier()
	code := env.authorize(verifier, "n")

	resp := env.exchange(code, "wrong-verifier", "")
	body := decode[map[string]string](t, resp)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Fatalf("bad verifier: status %d body %v", resp.StatusCode, body)
	}

	// The code was consumed by the failed attempt.
	resp = env.exchange(code, verifier, "")
	body = decode[map[string]string](t, resp)
	if body["error"] != "invalid_grant" {
		t.Fatalf("replay: %v", body)
	}
}

func TestAuthorizeRequiresPKCEAndRegisteredRedirect(t *testing.T) {
	env := newTestEnv(t, nil)

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", testClientID)
	q.Set("redirect_uri", "http://evil.example/callback")
	q.Set("scope", "openid")
	resp, err := env.browser.Get(env.ts.URL + "/oauth2/authorize?" + q.Encode())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unregistered redirect: status %d", resp.StatusCode)
	}

	q.Set("redirect_uri", "http://app.example/callback")
	q.Set("state", "s")
	resp, err = env.browser.Get(env.ts.URL + "/oauth2/authorize?" + q.Encode())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	resp.Body.Close()
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if resp.StatusCode != http.StatusFound || loc.Query().Get("error") != "invalid_request" || loc.Query().Get("state") != "s" {
		t.Fatalf("missing pkce: status %d location %s", resp.StatusCode, loc)
	}
}

func TestConsentRequiredThenGranted(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Clients[0].RequireConsent = true })

	verifier := oauth2.GenerateVerifier()
	resp := env.exchange(env.authorize(verifier, "n"), verifier, "")
	body := decode[map[string]string](t, resp)
	if resp.StatusCode != http.StatusForbidden || body["error"] != "consent_required" {
		t.Fatalf("first exchange: status %d body %v", resp.StatusCode, body)
	}

	verifier = oauth2.GenerateVerifier()
	resp = env.exchange(env.authorize(verifier, "n"), verifier, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second exchange status = %d", resp.StatusCode)
	}
}

func TestIDTokenVerifiesAgainstJWKS(t *testing.T) {
	env := newTestEnv(t, nil)
	verifier := oauth2.GenerateVerifier()
	tr := decode[TokenResponse](t, env.exchange(env.authorize(verifier, "nonce-xyz"), verifier, ""))

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/session/idtoken", nil)
	req.Header.Set("Authorization", "Bearer "+tr.SessionToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("idtoken: %v", err)
	}
	payload := decode[map[string]string](t, resp)

	keys := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{env.srv.JWKS.PublicKey()}}
	verifierOIDC := oidc.NewVerifier(env.srv.Tokens.Issuer(), keys, &oidc.Config{ClientID: testClientID})
	idt, err := verifierOIDC.Verify(context.Background(), payload["id_token"])
	if err != nil {
		t.Fatalf("verify id token: %v", err)
	}
	if idt.Nonce != "nonce-xyz" || idt.Subject != "dev-user" {
		t.Fatalf("unexpected claims: nonce=%q sub=%q", idt.Nonce, idt.Subject)
	}
	var claims struct {
		Email         string `json:"email"`
		PreferredName string `json:"preferred_name"`
		SID           string `json:"sid"`
	}
	if err := idt.Claims(&claims); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if claims.Email != "dev@example.com" || claims.PreferredName != "dev" || claims.SID == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestLogoutRequiresCSRFForCookieSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	verifier := oauth2.GenerateVerifier()
	resp := env.exchange(env.authorize(verifier, "n"), verifier, env.ts.URL)
	cookies := resp.Cookies()
	resp.Body.Close()

	var csrf string
	logout := func(withHeader bool) int {
		req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/session/logout", nil)
		for _, c := range cookies {
			req.AddCookie(c)
			if c.Name == csrfCookieName {
				csrf = c.Value
			}
		}
		if withHeader {
			req.Header.Set(csrfHeaderName, csrf)
		}
		r, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("logout: %v", err)
		}
		r.Body.Close()
		return r.StatusCode
	}

	if got := logout(false); got != http.StatusForbidden {
		t.Fatalf("logout without csrf header = %d, want 403", got)
	}
	if got := logout(true); got != http.StatusOK {
		t.Fatalf("logout with csrf header = %d, want 200", got)
	}
}

func TestLogoutReportsExternalLogout(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Clients[0].ExternalLogoutURL = "https://idp.example/logout" })
	verifier := oauth2.GenerateVerifier()
	tr := decode[TokenResponse](t, env.exchange(env.authorize(verifier, "n"), verifier, ""))

	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/session/logout", nil)
	req.Header.Set("Authorization", "Bearer "+tr.SessionToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	body := decode[map[string]any](t, resp)
	if body["external_logout"] != true || body["logout_url"] != "https://idp.example/logout" {
		t.Fatalf("unexpected logout body: %v", body)
	}

	req, _ = http.NewRequest(http.MethodGet, env.ts.URL+"/session/check", nil)
	req.Header.Set("Authorization", "Bearer "+tr.SessionToken)
	check, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	check.Body.Close()
	if check.StatusCode != http.StatusUnauthorized {
		t.Fatalf("session survived logout: %d", check.StatusCode)
	}
}

func TestTokenEndpointRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RateLimit = RateLimitConfig{RequestsPerMinute: 1, Burst: 2} })

	var last int
	for i := 0; i < 3; i++ {
		resp := env.exchange("nope", "v", "")
		last = resp.StatusCode
		resp.Body.Close()
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", last)
	}
}

func TestIsCrossDomainHonoursSuffixes(t *testing.T) {
	srv := &Server{Config: Config{Server: ServerConfig{SameDomainSuffixes: []string{"telicent.localhost"}}}}
	cases := []struct {
		origin, host string
		want         bool
	}{
		{"http://ui.telicent.localhost:3000", "auth.telicent.localhost:9080", false},
		{"http://127.0.0.1:3000", "127.0.0.1:9080", false},
		{"http://app.example", "auth.telicent.localhost", true},
		{"", "auth.telicent.localhost", true},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodPost, "http://"+tc.host+"/oauth2/token", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := srv.isCrossDomain(r); got != tc.want {
			t.Errorf("isCrossDomain(%q, %q) = %v, want %v", tc.origin, tc.host, got, tc.want)
		}
	}
}
