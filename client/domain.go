package client

import (
	"net/url"
	"strings"
	"sync"
)

// DomainMode selects how credentials ride along with requests.
type DomainMode int

const (
	// SameDomain pages share the authorization server's cookies.
	SameDomain DomainMode = iota
	// CrossDomain pages must forward a bearer session token.
	CrossDomain
)

func (m DomainMode) String() string {
	if m == SameDomain {
		return "same-domain"
	}
	return "cross-domain"
}

// DomainModeResolver classifies the host page against the authorization
// server. The answer is computed once and fixed for the resolver's lifetime.
type DomainModeResolver struct {
	authServerURL string
	currentURL    func() string
	suffixes      []string

	once sync.Once
	mode DomainMode
}

// NewDomainModeResolver builds a resolver. currentURL is read on first use.
func NewDomainModeResolver(authServerURL string, currentURL func() string, suffixes []string) *DomainModeResolver {
	return &DomainModeResolver{authServerURL: authServerURL, currentURL: currentURL, suffixes: suffixes}
}

// Mode returns the resolved DomainMode.
func (r *DomainModeResolver) Mode() DomainMode {
	r.once.Do(func() {
		r.mode = ResolveDomainMode(r.currentURL(), r.authServerURL, r.suffixes)
	})
	return r.mode
}

// ResolveDomainMode compares hostnames. Hosts that both sit under one of the
// allowed suffixes count as the same domain. Anything unparseable is treated
// as cross-domain.
func ResolveDomainMode(currentURL, authServerURL string, suffixes []string) DomainMode {
	current := hostname(currentURL)
	auth := hostname(authServerURL)
	if current == "" || auth == "" {
		return CrossDomain
	}
	if current == auth {
		return SameDomain
	}
	for _, suffix := range suffixes {
		suffix = strings.ToLower(strings.TrimPrefix(suffix, "."))
		if suffix == "" {
			continue
		}
		if underSuffix(current, suffix) && underSuffix(auth, suffix) {
			return SameDomain
		}
	}
	return CrossDomain
}

func underSuffix(host, suffix string) bool {
	return host == suffix || strings.HasSuffix(host, "."+suffix)
}

func hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
