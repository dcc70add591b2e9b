package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

type seenRequest struct {
	method, path, auth, csrf, origin string
}

// recordingAPI logs every request and answers 401 on /api/private.
func recordingAPI(t *testing.T) (*httptest.Server, func() []seenRequest) {
	var mu sync.Mutex
	var seen []seenRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, seenRequest{r.Method, r.URL.Path, r.Header.Get("Authorization"), r.Header.Get(csrfHeaderName), r.Header.Get("Origin")})
		mu.Unlock()
		switch r.URL.Path {
		case "/api/private", "/session/check":
			w.WriteHeader(http.StatusUnauthorized)
		case "/csrf":
			http.SetCookie(w, &http.Cookie{Name: csrfCookieName, Value: "csrf-1", Path: "/"})
		default:
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	t.Cleanup(ts.Close)
	return ts, func() []seenRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]seenRequest(nil), seen...)
	}
}

func TestCrossDomainRequestsCarryBearer(t *testing.T) {
	ts, seen := recordingAPI(t)
	h := newHarness(t, ts.URL, nil)
	if h.c.DomainMode() != CrossDomain {
		t.Fatalf("mode = %v", h.c.DomainMode())
	}
	_ = h.c.store.SetSessionToken("sess-1")

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		resp, err := h.c.MakeAuthenticatedRequest(context.Background(), method, ts.URL+"/api/data", nil, RequestOptions{})
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		drainAndClose(resp)
	}
	for _, r := range seen() {
		if r.auth != "Bearer sess-1" || r.csrf != "" || r.origin != "http://app.example" {
			t.Fatalf("request %+v", r)
		}
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestLocalUIAgainstRemoteAuthServerUsesBearer(t *testing.T) {
	var got *http.Request
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		got = r
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(`{}`)),
			Header:     make(http.Header),
			Request:    r,
		}, nil
	})
	h := newHarness(t, "https://auth.telicent.io", func(_ *ClientConfig, opts *Options) {
		opts.Navigator = &RecordingNavigator{Current: "http://localhost:3000"}
		opts.HTTPClient = &http.Client{Transport: transport}
	})
	if h.c.DomainMode() != CrossDomain {
		t.Fatalf("mode = %v, want cross-domain", h.c.DomainMode())
	}
	_ = h.c.store.SetSessionToken("sess-remote")

	resp, err := h.c.MakeAuthenticatedRequest(context.Background(), http.MethodPost, "https://auth.telicent.io/api/data", nil, RequestOptions{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	drainAndClose(resp)
	if got == nil || got.Header.Get("Authorization") != "Bearer sess-remote" {
		t.Fatalf("request not sent with bearer token: %+v", got)
	}
	if got.Header.Get(csrfHeaderName) != "" {
		t.Fatalf("cross-domain requests must not carry a CSRF header")
	}
}

func TestCrossDomainWithoutTokenSendsNoAuthorization(t *testing.T) {
	ts, seen := recordingAPI(t)
	h := newHarness(t, ts.URL, nil)
	resp, err := h.c.MakeAuthenticatedRequest(context.Background(), "", ts.URL+"/api/data", nil, RequestOptions{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	drainAndClose(resp)
	if r := seen()[0]; r.auth != "" || r.method != http.MethodGet {
		t.Fatalf("request %+v", r)
	}
}

func TestSameDomainRequestsEchoCSRF(t *testing.T) {
	ts, seen := recordingAPI(t)
	h := newHarness(t, ts.URL, func(cfg *ClientConfig, opts *Options) {
		opts.Navigator = &RecordingNavigator{Current: "http://127.0.0.1/page"}
	})
	if h.c.DomainMode() != SameDomain {
		t.Fatalf("mode = %v", h.c.DomainMode())
	}
	_ = h.c.store.SetSessionToken("stale")

	ctx := context.Background()
	for _, step := range []struct{ method, path string }{
		{http.MethodGet, "/csrf"},
		{http.MethodGet, "/api/data"},
		{http.MethodPut, "/api/data"},
		{http.MethodDelete, "/api/data"},
	} {
		resp, err := h.c.MakeAuthenticatedRequest(ctx, step.method, ts.URL+step.path, nil, RequestOptions{})
		if err != nil {
			t.Fatalf("%s %s: %v", step.method, step.path, err)
		}
		drainAndClose(resp)
	}

	got := seen()
	for _, r := range got {
		if r.auth != "" {
			t.Fatalf("same-domain request sent Authorization: %+v", r)
		}
	}
	if got[1].csrf != "" {
		t.Fatalf("GET must not carry the CSRF header: %+v", got[1])
	}
	if got[2].csrf != "csrf-1" || got[3].csrf != "csrf-1" {
		t.Fatalf("state-changing requests must echo the CSRF cookie: %+v", got)
	}
}

func TestUnauthorizedTriggersRelogin(t *testing.T) {
	ts, _ := recordingAPI(t)
	h := newHarness(t, ts.URL, nil)
	_ = h.c.store.SetSessionToken("sess-1")
	_ = h.c.store.SetIDToken("id-1")

	resp, err := h.c.MakeAuthenticatedRequest(context.Background(), http.MethodGet, ts.URL+"/api/private", nil, RequestOptions{})
	if !errors.Is(err, ErrSessionExpired) || resp != nil {
		t.Fatalf("got %v, %v; want ErrSessionExpired", resp, err)
	}
	if _, ok := h.c.store.SessionToken(); ok {
		t.Fatalf("session token should be cleared")
	}
	if _, ok := h.c.store.IDToken(); ok {
		t.Fatalf("id token should be cleared")
	}
	if last := h.nav.LastVisited(); !strings.HasPrefix(last, ts.URL+"/oauth2/authorize?") {
		t.Fatalf("expected navigation to authorize, got %q", last)
	}
}

func TestUnauthorizedSkipAutoLogout(t *testing.T) {
	ts, _ := recordingAPI(t)
	h := newHarness(t, ts.URL, nil)
	_ = h.c.store.SetSessionToken("sess-1")

	resp, err := h.c.MakeAuthenticatedRequest(context.Background(), http.MethodGet, ts.URL+"/api/private", nil, RequestOptions{SkipAutoLogout: true})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	drainAndClose(resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, ok := h.c.store.SessionToken(); !ok || len(h.nav.Visited()) != 0 {
		t.Fatalf("SkipAutoLogout must leave the session alone")
	}
}

func TestSessionCheckUnauthorizedIsNotFatal(t *testing.T) {
	ts, _ := recordingAPI(t)
	h := newHarness(t, ts.URL, nil)
	_ = h.c.store.SetSessionToken("sess-1")

	ok, err := h.c.IsAuthenticated(context.Background())
	if err != nil || ok {
		t.Fatalf("IsAuthenticated = %v, %v", ok, err)
	}
	if _, has := h.c.store.SessionToken(); !has || len(h.nav.Visited()) != 0 {
		t.Fatalf("a 401 from the session check must not log the user out")
	}
}

func TestIsSessionMetaEndpoint(t *testing.T) {
	h := newHarness(t, "http://auth.example/idp", func(cfg *ClientConfig, _ *Options) {
		cfg.APIURL = "http://api.example"
	})
	cases := map[string]bool{
		"http://auth.example/idp/session/check":   true,
		"http://auth.example/idp/session/check/":  true,
		"http://AUTH.example/idp/session/idtoken": true,
		"http://auth.example/idp/session/logout":  true,
		"http://auth.example/idp/userinfo":        true,
		"http://auth.example/idp/oauth2/token":    true,
		"http://auth.example/idp/api/session":     false,
		"http://auth.example/session/check":       false,
		"http://api.example/foo/userinfo":         false,
		"http://api.example/x/session/check":      false,
		"https://auth.example/idp/session/check":  false,
		"http://auth.example:8080/idp/userinfo":   false,
		"http://auth.example/idp/foo/userinfo":    false,
	}
	for raw, want := range cases {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got := h.c.isSessionMetaEndpoint(u); got != want {
			t.Errorf("isSessionMetaEndpoint(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestTransportFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	base := ts.URL
	ts.Close()

	h := newHarness(t, base, nil)
	_, err := h.c.MakeAuthenticatedRequest(context.Background(), http.MethodGet, base+"/api", nil, RequestOptions{})
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Err == nil {
		t.Fatalf("expected TransportError, got %v", err)
	}
}
