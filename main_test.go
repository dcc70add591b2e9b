package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"catalogauth/authserver"
	"catalogauth/client"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// followNavigator plays the browser: it follows the authorization redirect
// straight to the loopback receiver.
type followNavigator struct {
	page string
}

func (n *followNavigator) Navigate(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (n *followNavigator) Open(ctx context.Context, target string) (client.Window, error) {
	w := &client.RecordedWindow{URL: target}
	go func() { _ = n.Navigate(ctx, target) }()
	return w, nil
}

func (n *followNavigator) CurrentURL() string { return n.page }

func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// newCLI starts a reference server and returns an app configured against
// it. The server is addressed as localhost and the receiver as 127.0.0.1 so
// the session is carried as a bearer token.
func newCLI(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	loopback := "http://" + freeLoopbackAddr(t)

	scfg := authserver.DefaultConfig()
	scfg.Server.KeysPath = ""
	scfg.Clients[0].RedirectURIs = []string{loopback + "/callback", loopback + "/popup-callback"}
	srv, err := authserver.NewServer(scfg, testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	cfg := client.ClientConfig{
		ClientID:         "catalog-ui",
		AuthServerURL:    strings.Replace(ts.URL, "127.0.0.1", "localhost", 1),
		RedirectURI:      loopback + "/callback",
		PopupRedirectURI: loopback + "/popup-callback",
	}
	out := &bytes.Buffer{}
	return &app{
		cfg:     cfg,
		logger:  testLogger(),
		out:     out,
		durable: client.NewFileStorage(filepath.Join(t.TempDir(), "session.json")),
		browser: &followNavigator{page: cfg.RedirectURI},
		timeout: 10 * time.Second,
	}, out
}

func TestLoginStatusLogout(t *testing.T) {
	a, out := newCLI(t)
	ctx := context.Background()

	if err := a.run(ctx, []string{"status"}); err != nil {
		t.Fatalf("status before login: %v", err)
	}
	if !strings.Contains(out.String(), "not authenticated") {
		t.Fatalf("status before login = %q", out.String())
	}

	out.Reset()
	if err := a.run(ctx, []string{"login"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out.String(), "signed in (cross-domain)") || !strings.Contains(out.String(), "user: dev") {
		t.Fatalf("login output = %q", out.String())
	}

	// Every command builds a fresh client; the session survives in the file.
	out.Reset()
	if err := a.run(ctx, []string{"status"}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "authenticated (cross-domain)") {
		t.Fatalf("status output = %q", out.String())
	}

	out.Reset()
	if err := a.run(ctx, []string{"whoami"}); err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if !strings.Contains(out.String(), `"sub": "dev-user"`) {
		t.Fatalf("whoami output = %q", out.String())
	}

	out.Reset()
	if err := a.run(ctx, []string{"request", "GET", "/userinfo"}); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !strings.Contains(out.String(), "dev@example.com") {
		t.Fatalf("request output = %q", out.String())
	}

	out.Reset()
	if err := a.run(ctx, []string{"logout"}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	out.Reset()
	if err := a.run(ctx, []string{"status"}); err != nil {
		t.Fatalf("status after logout: %v", err)
	}
	if !strings.Contains(out.String(), "not authenticated") {
		t.Fatalf("status after logout = %q", out.String())
	}
	if err := a.run(ctx, []string{"whoami"}); err == nil {
		t.Fatalf("expected whoami to fail after logout")
	}
}

func TestLoginPopup(t *testing.T) {
	a, out := newCLI(t)
	if err := a.run(context.Background(), []string{"login-popup"}); err != nil {
		t.Fatalf("login-popup: %v", err)
	}
	if !strings.Contains(out.String(), "signed in") {
		t.Fatalf("login-popup output = %q", out.String())
	}
}

func TestRequestUsage(t *testing.T) {
	a, _ := newCLI(t)
	if err := a.run(context.Background(), []string{"request", "GET"}); err == nil {
		t.Fatalf("expected usage error")
	}
	if err := a.run(context.Background(), []string{"bogus"}); err == nil {
		t.Fatalf("expected unknown command error")
	}
}

func TestResolveAPIURL(t *testing.T) {
	a := &app{cfg: client.ClientConfig{AuthServerURL: "http://auth.example", APIURL: "https://api.example/v1/"}}
	cases := map[string]string{
		"/datasets":              "https://api.example/v1/datasets",
		"datasets?q=x":           "https://api.example/v1/datasets?q=x",
		"https://other.example/": "https://other.example/",
	}
	for in, want := range cases {
		got, err := a.resolveAPIURL(in)
		if err != nil {
			t.Fatalf("resolveAPIURL(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("resolveAPIURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRunConfigInitDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalogauth.yaml")
	input := strings.NewReader(strings.Repeat("\n", 8))
	if err := runConfigInit(path, input, io.Discard, testLogger()); err != nil {
		t.Fatalf("runConfigInit: %v", err)
	}

	cfg, err := client.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ClientID != "catalog-ui" || cfg.AuthServerURL != "http://localhost:9080" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.PopupRedirectURI != "http://127.0.0.1:8765/popup-callback" {
		t.Fatalf("popup redirect = %q", cfg.PopupRedirectURI)
	}
	if err := runConfigValidate(path, testLogger()); err != nil {
		t.Fatalf("runConfigValidate: %v", err)
	}
	if err := runConfigInit(path, strings.NewReader(""), io.Discard, testLogger()); err == nil {
		t.Fatalf("expected error when config already exists")
	}
}

func TestRunConfigInitRejectsBadURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalogauth.yaml")
	input := strings.NewReader("ui\nauth.example\n\n\n\n\n")
	if err := runConfigInit(path, input, io.Discard, testLogger()); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNewDurableStorage(t *testing.T) {
	for _, kind := range []string{"file", "keyring", "memory"} {
		if _, err := newDurableStorage(kind, filepath.Join(t.TempDir(), "s.json"), "ui"); err != nil {
			t.Fatalf("newDurableStorage(%q): %v", kind, err)
		}
	}
	if _, err := newDurableStorage("redis", "", "ui"); err == nil {
		t.Fatalf("expected error for unknown store")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
