package authserver

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	sessionCookieName = "catalog_session"
	loginCookieName   = "catalog_login"
	csrfCookieName    = "XSRF-TOKEN"
	csrfHeaderName    = "X-XSRF-TOKEN"
)

// credentialSource says how a request presented its session.
type credentialSource int

const (
	fromNone credentialSource = iota
	fromCookie
	fromBearer
)

// SessionManager issues and resolves sessions. Same-domain sessions travel
// in cookies and are protected by a double-submit CSRF token; cross-domain
// sessions travel as bearer tokens.
type SessionManager struct {
	store        *InMemoryStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store *InMemoryStore, logger *slog.Logger, now func() time.Time) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}
	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.Sessions.TTL,
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
		now:          now,
	}
}

// LoginSession returns the browser's login session at the authorize
// endpoint, creating one for user when there is none.
func (sm *SessionManager) LoginSession(w http.ResponseWriter, r *http.Request, user UserProfile) Session {
	if c, err := r.Cookie(loginCookieName); err == nil {
		if sess, ok := sm.lookup(c.Value); ok {
			return sess
		}
	}
	now := sm.now()
	sess := Session{
		ID:        sm.store.NewID(),
		UserID:    user.Subject,
		AuthTime:  now,
		ExpiresAt: now.Add(sm.ttl),
	}
	sm.store.SaveSession(sess)
	sm.store.RememberUserProfile(user)
	http.SetCookie(w, sm.cookie(loginCookieName, sess.ID, true))
	return sess
}

// Create opens the API session a code exchange produces. Same-domain
// sessions get the session and CSRF cookies set on w.
func (sm *SessionManager) Create(w http.ResponseWriter, code AuthorizationCode, authTime time.Time, crossDomain bool) Session {
	now := sm.now()
	sess := Session{
		ID:          sm.store.NewID(),
		UserID:      code.UserID,
		AuthTime:    authTime,
		ExpiresAt:   now.Add(sm.ttl),
		ClientID:    code.ClientID,
		Nonce:       code.Nonce,
		CrossDomain: crossDomain,
	}
	if !crossDomain {
		sess.CSRFToken = sm.store.NewID()
		http.SetCookie(w, sm.cookie(sessionCookieName, sess.ID, true))
		http.SetCookie(w, sm.cookie(csrfCookieName, sess.CSRFToken, false))
	}
	sm.store.SaveSession(sess)
	return sess
}

// Fetch resolves the request's session. A bearer token only resolves
// cross-domain sessions and a cookie only same-domain ones.
func (sm *SessionManager) Fetch(r *http.Request) (Session, credentialSource, bool) {
	if token := extractBearerToken(r.Header.Get("Authorization")); token != "" {
		sess, ok := sm.lookup(token)
		if !ok || !sess.CrossDomain {
			return Session{}, fromBearer, false
		}
		return sess, fromBearer, true
	}
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return Session{}, fromNone, false
	}
	sess, ok := sm.lookup(c.Value)
	if !ok || sess.CrossDomain {
		return Session{}, fromCookie, false
	}
	return sess, fromCookie, true
}

// CheckCSRF enforces the double-submit token on cookie-authenticated
// state-changing requests.
func (sm *SessionManager) CheckCSRF(r *http.Request, sess Session, src credentialSource) bool {
	if src != fromCookie || !isStateChanging(r.Method) {
		return true
	}
	header := r.Header.Get(csrfHeaderName)
	cookie, err := r.Cookie(csrfCookieName)
	if header == "" || err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) == 1 &&
		subtle.ConstantTimeCompare([]byte(header), []byte(sess.CSRFToken)) == 1
}

// Destroy ends sess and expires every cookie the server set.
func (sm *SessionManager) Destroy(w http.ResponseWriter, r *http.Request, sess Session) {
	sm.store.DeleteSession(sess.ID)
	if c, err := r.Cookie(loginCookieName); err == nil {
		sm.store.DeleteSession(c.Value)
	}
	for _, name := range []string{sessionCookieName, loginCookieName} {
		expired := sm.cookie(name, "", true)
		expired.MaxAge = -1
		http.SetCookie(w, expired)
	}
	expired := sm.cookie(csrfCookieName, "", false)
	expired.MaxAge = -1
	http.SetCookie(w, expired)
}

func (sm *SessionManager) lookup(id string) (Session, bool) {
	sess, ok := sm.store.GetSession(id)
	if !ok {
		return Session{}, false
	}
	if sm.now().After(sess.ExpiresAt) {
		sm.store.DeleteSession(sess.ID)
		return Session{}, false
	}
	return sess, true
}

func (sm *SessionManager) cookie(name, value string, httpOnly bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: httpOnly,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	}
}

func isStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	default:
		return false
	}
}

func extractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
