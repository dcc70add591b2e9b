package client

import (
	"crypto/rand"
	"errors"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func newBuilder(ephemeral Storage) (*AuthorizationRequestBuilder, *SessionStateStore) {
	store := NewSessionStateStore(ephemeral, NewMemoryStorage())
	secrets := NewSecretGenerator(rand.Reader, SHA256Digest{})
	return NewAuthorizationRequestBuilder(testConfig("http://auth.example/"), secrets, store), store
}

func TestBuildAuthorizationURL(t *testing.T) {
	b, store := newBuilder(NewMemoryStorage())
	raw, err := b.Build("http://app.example/callback", "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Scheme+"://"+u.Host+u.Path != "http://auth.example/oauth2/authorize" {
		t.Fatalf("endpoint = %s", raw)
	}

	q := u.Query()
	want := map[string]string{
		"response_type":         "code",
		"client_id":             testClientID,
		"redirect_uri":          "http://app.example/callback",
		"scope":                 "openid profile email",
		"code_challenge_method": "S256",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}

	stored, err := store.LoadAuthRequest()
	if err != nil {
		t.Fatalf("LoadAuthRequest: %v", err)
	}
	if stored.State != q.Get("state") || stored.Nonce != q.Get("nonce") {
		t.Fatalf("stored %+v does not match url %v", stored, q)
	}
	if stored.RedirectURI != "http://app.example/callback" {
		t.Fatalf("stored redirect = %q", stored.RedirectURI)
	}
	if q.Get("code_challenge") != oauth2.S256ChallengeFromVerifier(stored.CodeVerifier) {
		t.Fatalf("code_challenge does not derive from the stored verifier")
	}
}

func TestBuildCarriesReturnTo(t *testing.T) {
	b, _ := newBuilder(NewMemoryStorage())
	raw, err := b.Build("http://app.example/callback", "http://app.example/datasets?id=7")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	u, _ := url.Parse(raw)
	state := u.Query().Get("state")
	if got := ReturnToFromState(state); got != "http://app.example/datasets?id=7" {
		t.Fatalf("ReturnToFromState = %q", got)
	}
	random, _, _ := strings.Cut(state, ".")
	if len(random) != 43 {
		t.Fatalf("random part of state has length %d", len(random))
	}
	if ReturnToFromState(random) != "" || ReturnToFromState("abc.!!!") != "" {
		t.Fatalf("plain or corrupt states must not yield a return page")
	}
}

func TestBuildOverwritesPreviousAttempt(t *testing.T) {
	b, store := newBuilder(NewMemoryStorage())
	if _, err := b.Build("http://app.example/callback", ""); err != nil {
		t.Fatalf("Build: %v", err)
	}
	first, _ := store.LoadAuthRequest()
	if _, err := b.Build("http://app.example/popup-callback", ""); err != nil {
		t.Fatalf("Build: %v", err)
	}
	second, _ := store.LoadAuthRequest()
	if first.State == second.State || second.RedirectURI != "http://app.example/popup-callback" {
		t.Fatalf("second attempt did not replace the first: %+v %+v", first, second)
	}
}

type failingStorage struct{ *MemoryStorage }

func (failingStorage) Set(string, string) error { return errors.New("quota exceeded") }

func TestBuildFailsWhenStorageFails(t *testing.T) {
	b, _ := newBuilder(failingStorage{NewMemoryStorage()})
	raw, err := b.Build("http://app.example/callback", "")
	if err == nil || raw != "" {
		t.Fatalf("expected persistence failure, got %q, %v", raw, err)
	}
}
