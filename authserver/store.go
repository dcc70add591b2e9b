package authserver

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// InMemoryStore keeps sessions, codes, consents and profiles.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]Session
	authCodes map[string]AuthorizationCode
	consents  map[string]bool
	profiles  map[string]UserProfile
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]Session),
		authCodes: make(map[string]AuthorizationCode),
		consents:  make(map[string]bool),
		profiles:  make(map[string]UserProfile),
	}
}

// NewID generates a random identifier.
func (s *InMemoryStore) NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("authserver: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// SaveSession stores or replaces a session.
func (s *InMemoryStore) SaveSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// GetSession retrieves a session by ID.
func (s *InMemoryStore) GetSession(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SaveAuthCode persists an authorization code.
func (s *InMemoryStore) SaveAuthCode(code AuthorizationCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCodes[code.Code] = code
}

// ConsumeAuthCode fetches and removes an authorization code. Expired and
// already used codes are reported as missing.
func (s *InMemoryStore) ConsumeAuthCode(code string, now time.Time) (AuthorizationCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auth, ok := s.authCodes[code]
	if !ok {
		return AuthorizationCode{}, false
	}
	delete(s.authCodes, code)
	if now.After(auth.ExpiresAt) || auth.Used {
		return AuthorizationCode{}, false
	}
	auth.Used = true
	return auth, true
}

// HasConsent reports whether userID granted clientID access.
func (s *InMemoryStore) HasConsent(userID, clientID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consents[userID+"|"+clientID]
}

// GrantConsent records that userID granted clientID access.
func (s *InMemoryStore) GrantConsent(userID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents[userID+"|"+clientID] = true
}

// RememberUserProfile stores profile information.
func (s *InMemoryStore) RememberUserProfile(p UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.Subject] = p
}

// LookupUserProfile returns profile info if stored.
func (s *InMemoryStore) LookupUserProfile(sub string) (UserProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[sub]
	return p, ok
}
