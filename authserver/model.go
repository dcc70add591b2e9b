package authserver

import "time"

// Session is a logged-in user. Same-domain clients reach it through the
// session cookie, cross-domain clients through its ID used as a bearer token.
type Session struct {
	ID        string
	UserID    string
	AuthTime  time.Time
	ExpiresAt time.Time
	// ClientID and Nonce come from the last code exchanged into this
	// session; the session's ID token is minted for them.
	ClientID    string
	Nonce       string
	CrossDomain bool
	CSRFToken   string
}

// AuthorizationCode represents a short-lived code issued to a client.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	SessionID           string
	UserID              string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// Client records a registered public client.
type Client struct {
	ClientID          string
	RedirectURIs      []string
	RequireConsent    bool
	ExternalLogoutURL string
}

// UserProfile is what /userinfo and the ID token report about a user.
type UserProfile struct {
	Subject       string `json:"sub"`
	Email         string `json:"email,omitempty"`
	Name          string `json:"name,omitempty"`
	PreferredName string `json:"preferred_name,omitempty"`
}

// TokenResponse is the token endpoint's success payload.
type TokenResponse struct {
	SessionToken  string      `json:"sessionToken,omitempty"`
	IsCrossDomain bool        `json:"isCrossDomain"`
	User          UserProfile `json:"user"`
	ExpiresAt     int64       `json:"expiresAt"`
}
