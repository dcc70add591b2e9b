package client

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testClientID = "catalog-ui"

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(authServerURL string) ClientConfig {
	return ClientConfig{
		ClientID:         testClientID,
		AuthServerURL:    authServerURL,
		RedirectURI:      "http://app.example/callback",
		PopupRedirectURI: "http://app.example/popup-callback",
	}
}

type harness struct {
	c         *Client
	nav       *RecordingNavigator
	bus       *LocalBus
	ephemeral *MemoryStorage
	durable   *MemoryStorage
}

// newHarness builds a client hosted on http://app.example, which is
// cross-domain to every httptest server.
func newHarness(t *testing.T, authServerURL string, mutate func(*ClientConfig, *Options)) *harness {
	t.Helper()
	h := &harness{
		nav:       &RecordingNavigator{Current: "http://app.example/page"},
		bus:       NewLocalBus(),
		ephemeral: NewMemoryStorage(),
		durable:   NewMemoryStorage(),
	}
	cfg := testConfig(authServerURL)
	opts := Options{
		Logger:            testLogger(),
		Ephemeral:         h.ephemeral,
		Durable:           h.durable,
		Navigator:         h.nav,
		Bus:               h.bus,
		PopupPollInterval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg, &opts)
	}
	c, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.c = c
	return h
}

// startLogin runs Login and returns the authorization URL it navigated to.
func (h *harness) startLogin(t *testing.T) *url.URL {
	t.Helper()
	if err := h.c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	u, err := url.Parse(h.nav.LastVisited())
	if err != nil {
		t.Fatalf("parse authorization url: %v", err)
	}
	return u
}

// callbackParams answers the in-flight login with code.
func callbackParams(authURL *url.URL, code string) url.Values {
	return url.Values{"code": {code}, "state": {authURL.Query().Get("state")}}
}

// makeToken encodes claims as a compact JWT. Signatures are never checked
// client-side, so any key does.
func makeToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func idClaims(nonce string, issuedAt time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":            "http://auth.example",
		"sub":            "dev-user",
		"aud":            testClientID,
		"exp":            issuedAt.Add(time.Hour).Unix(),
		"iat":            issuedAt.Unix(),
		"nonce":          nonce,
		"email":          "dev@example.com",
		"preferred_name": "dev",
	}
}

func waitForWindow(t *testing.T, nav *RecordingNavigator) *RecordedWindow {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ws := nav.Windows(); len(ws) > 0 {
			return ws[len(ws)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("popup was never opened")
	return nil
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}
