package client

import (
	"errors"
	"fmt"
	"sync"
)

// Storage keys. Ephemeral keys live for one login attempt; durable keys for
// one authenticated session.
const (
	keyState        = "oauth_state"
	keyNonce        = "oauth_nonce"
	keyCodeVerifier = "oauth_code_verifier"
	keyRedirectURI  = "oauth_redirect_uri"

	keyIDToken   = "auth_id_token"
	keySessionID = "auth_session_id"
)

var (
	ephemeralKeys = []string{keyState, keyNonce, keyCodeVerifier, keyRedirectURI}
	durableKeys   = []string{keyIDToken, keySessionID}
)

// Storage is a string key/value scope. Get reports false for missing keys.
type Storage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(keys ...string) error
}

// MemoryStorage keeps values in process memory.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStorage constructs an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

// Get implements Storage.
func (s *MemoryStorage) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// Set implements Storage.
func (s *MemoryStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Delete implements Storage.
func (s *MemoryStorage) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

// EphemeralAuthRequest holds the secrets of the login attempt in flight.
type EphemeralAuthRequest struct {
	State        string
	Nonce        string
	CodeVerifier string
	RedirectURI  string
}

// SessionStateStore gives typed access to the ephemeral and durable scopes.
// A client has exactly one ephemeral slot; saving a new request overwrites
// the previous one.
type SessionStateStore struct {
	mu        sync.Mutex
	ephemeral Storage
	durable   Storage
}

// NewSessionStateStore wraps the two scopes.
func NewSessionStateStore(ephemeral, durable Storage) *SessionStateStore {
	return &SessionStateStore{ephemeral: ephemeral, durable: durable}
}

// SaveAuthRequest persists req. It returns only after every key is written.
func (s *SessionStateStore) SaveAuthRequest(req EphemeralAuthRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pairs := []struct{ k, v string }{
		{keyState, req.State},
		{keyNonce, req.Nonce},
		{keyCodeVerifier, req.CodeVerifier},
		{keyRedirectURI, req.RedirectURI},
	}
	for _, p := range pairs {
		if err := s.ephemeral.Set(p.k, p.v); err != nil {
			return fmt.Errorf("store %s: %w", p.k, err)
		}
	}
	return nil
}

// LoadAuthRequest returns whatever is stored in the ephemeral slot. Missing
// fields are left empty.
func (s *SessionStateStore) LoadAuthRequest() (EphemeralAuthRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var req EphemeralAuthRequest
	var errs []error
	get := func(key string, dst *string) {
		v, _, err := s.ephemeral.Get(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", key, err))
			return
		}
		*dst = v
	}
	get(keyState, &req.State)
	get(keyNonce, &req.Nonce)
	get(keyCodeVerifier, &req.CodeVerifier)
	get(keyRedirectURI, &req.RedirectURI)
	return req, errors.Join(errs...)
}

// ClearAuthRequest removes state, verifier and redirect URI. The nonce stays
// until the ID token that carries it has been checked.
func (s *SessionStateStore) ClearAuthRequest() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ephemeral.Delete(keyState, keyCodeVerifier, keyRedirectURI)
}

// Nonce returns the stored nonce, if any.
func (s *SessionStateStore) Nonce() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok, err := s.ephemeral.Get(keyNonce)
	if err != nil || v == "" {
		return "", false
	}
	return v, ok
}

// ClearNonce drops the stored nonce.
func (s *SessionStateStore) ClearNonce() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ephemeral.Delete(keyNonce)
}

// IDToken returns the stored raw ID token.
func (s *SessionStateStore) IDToken() (string, bool) {
	return s.durableValue(keyIDToken)
}

// SetIDToken stores a raw ID token.
func (s *SessionStateStore) SetIDToken(token string) error {
	return s.setDurable(keyIDToken, token)
}

// DeleteIDToken removes the stored ID token.
func (s *SessionStateStore) DeleteIDToken() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durable.Delete(keyIDToken)
}

// SessionToken returns the stored cross-domain session token.
func (s *SessionStateStore) SessionToken() (string, bool) {
	return s.durableValue(keySessionID)
}

// SetSessionToken stores the cross-domain session token.
func (s *SessionStateStore) SetSessionToken(token string) error {
	return s.setDurable(keySessionID, token)
}

// ClearDurable drops the authenticated session state.
func (s *SessionStateStore) ClearDurable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durable.Delete(durableKeys...)
}

// ClearAll drops both scopes.
func (s *SessionStateStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.durable.Delete(durableKeys...), s.ephemeral.Delete(ephemeralKeys...))
}

func (s *SessionStateStore) durableValue(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok, err := s.durable.Get(key)
	if err != nil || v == "" {
		return "", false
	}
	return v, ok
}

func (s *SessionStateStore) setDurable(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.durable.Set(key, value); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}
