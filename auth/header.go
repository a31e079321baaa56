// Package auth builds the authentication headers sent to a forward proxy and
// drives the NTLM challenge-response handshake that produces them.
package auth

import (
	"encoding/base64"
	"strings"

	http "github.com/sardanioss/http"
)

// Header is a single authentication header. The zero value means no header.
type Header struct {
	Name  string
	Value string
}

// IsZero reports whether h carries no header.
func (h Header) IsZero() bool {
	return h.Name == ""
}

// Apply sets h on hdr, replacing any value already there.
func (h Header) Apply(hdr http.Header) {
	if h.IsZero() {
		return
	}
	hdr.Set(h.Name, h.Value)
}

// String hides the credential.
func (h Header) String() string {
	if h.IsZero() {
		return "<none>"
	}
	scheme, _, _ := strings.Cut(h.Value, " ")
	return h.Name + ": " + scheme + " <redacted>"
}

// Basic returns the Proxy-Authorization header for a static credential.
//
// secret is either "user:password" or its base64 encoding, padded or not.
// A secret without a colon is decoded; the decoded form is used only if it
// contains a colon, otherwise secret is sent as given.
func Basic(secret string) Header {
	plain := secret
	if !strings.Contains(secret, ":") {
		if dec, ok := decodeSecret(secret); ok && strings.Contains(dec, ":") {
			plain = dec
		}
	}
	return Header{
		Name:  "Proxy-Authorization",
		Value: "Basic " + base64.StdEncoding.EncodeToString([]byte(plain)),
	}
}

func decodeSecret(s string) (string, bool) {
	if dec, err := base64.StdEncoding.DecodeString(s); err == nil {
		return string(dec), true
	}
	if dec, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return string(dec), true
	}
	return "", false
}

// Scope picks which pair of headers carries the NTLM exchange.
type Scope int

const (
	// ProxyScope authenticates to the proxy: 407 with Proxy-Authenticate,
	// answered with Proxy-Authorization.
	ProxyScope Scope = iota
	// OriginScope uses 401 with WWW-Authenticate, answered with
	// Authorization, for proxies that challenge like an origin server.
	OriginScope
)

// ParseScope maps "proxy" or "origin" to a Scope. The empty string selects
// ProxyScope.
func ParseScope(s string) (Scope, bool) {
	switch strings.ToLower(s) {
	case "", "proxy":
		return ProxyScope, true
	case "origin":
		return OriginScope, true
	}
	return ProxyScope, false
}

func (s Scope) String() string {
	if s == OriginScope {
		return "origin"
	}
	return "proxy"
}

// RequestHeader is the header the client sends its token in.
func (s Scope) RequestHeader() string {
	if s == OriginScope {
		return "Authorization"
	}
	return "Proxy-Authorization"
}

// ChallengeHeader is the header the proxy sends its challenge in.
func (s Scope) ChallengeHeader() string {
	if s == OriginScope {
		return "WWW-Authenticate"
	}
	return "Proxy-Authenticate"
}

// Status is the status code a challenge arrives with.
func (s Scope) Status() int {
	if s == OriginScope {
		return http.StatusUnauthorized
	}
	return http.StatusProxyAuthRequired
}
