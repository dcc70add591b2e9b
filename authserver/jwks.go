package authserver

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSManager owns the ID token signing key and its public JWKS.
type JWKSManager struct {
	mu        sync.RWMutex
	key       *rsa.PrivateKey
	jwk       jose.JSONWebKey
	storePath string
	logger    *slog.Logger
}

// NewJWKSManager loads the signing key from path, creating and persisting a
// new one when the file does not exist. An empty path keeps the key in
// memory only.
func NewJWKSManager(path string, logger *slog.Logger) (*JWKSManager, error) {
	m := &JWKSManager{storePath: path, logger: logger}

	if path != "" {
		err := m.loadFromDisk()
		switch {
		case err == nil:
			logger.Info("signing key loaded", "kid", m.jwk.KeyID)
			return m, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	if err := m.generate(); err != nil {
		return nil, err
	}
	if path != "" {
		if err := m.persist(); err != nil {
			return nil, err
		}
	}
	logger.Info("signing key generated", "kid", m.jwk.KeyID, "persisted", path != "")
	return m, nil
}

// Sign signs claims with RS256 and the current key id.
func (m *JWKSManager) Sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.jwk.KeyID
	return token.SignedString(m.key)
}

// Keyfunc resolves the verification key for jwt parsing.
func (m *JWKSManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid != "" && kid != m.jwk.KeyID {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return &m.key.PublicKey, nil
}

// PublicKey returns the verification key.
func (m *JWKSManager) PublicKey() *rsa.PublicKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &m.key.PublicKey
}

// PublicJWKS exposes the public key for the JWKS endpoint.
func (m *JWKSManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{m.jwk.Public()}}
}

func (m *JWKSManager) generate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate kid: %w", err)
	}
	kid := hex.EncodeToString(buf)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = key
	m.jwk = jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}
	return nil
}

func (m *JWKSManager) persist() error {
	m.mu.RLock()
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{m.jwk}}, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode jwks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *JWKSManager) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	for _, k := range set.Keys {
		if priv, ok := k.Key.(*rsa.PrivateKey); ok {
			m.mu.Lock()
			m.key = priv
			m.jwk = k
			m.mu.Unlock()
			return nil
		}
	}
	return errors.New("no rsa private key in jwks")
}
