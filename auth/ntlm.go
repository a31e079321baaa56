package auth

import (
	"encoding/base64"
	"fmt"
	"strings"

	ntlmssp "github.com/Azure/go-ntlmssp"
)

// Codec produces the NTLM message bytes. The negotiator only decides when
// and on which connection they are sent.
type Codec interface {
	// Negotiate returns the type 1 (negotiate) message.
	Negotiate(domain, workstation string) ([]byte, error)

	// Respond answers a type 2 (challenge) message with a type 3
	// (authenticate) message. path is the target of the request being
	// authenticated.
	Respond(challenge []byte, path, domain, user, password string) ([]byte, error)
}

// NTLMSSP is the Codec backed by github.com/Azure/go-ntlmssp. It speaks
// NTLMv2 only.
type NTLMSSP struct{}

func (NTLMSSP) Negotiate(domain, workstation string) ([]byte, error) {
	return ntlmssp.NewNegotiateMessage(domain, workstation)
}

// Respond ignores path; NTLMv2 does not bind the request target.
func (NTLMSSP) Respond(challenge []byte, _ string, domain, user, password string) ([]byte, error) {
	// A user given as DOMAIN\user overrides the configured domain.
	if d, u, ok := strings.Cut(user, `\`); ok {
		domain, user = d, u
	}
	return ntlmssp.ProcessChallenge(challenge, user, password, domain != "")
}

const ntlmScheme = "NTLM"

func encodeToken(tok []byte) string {
	return ntlmScheme + " " + base64.StdEncoding.EncodeToString(tok)
}

// parseChallenge finds an "NTLM <base64>" value among the challenge headers.
// A bare "NTLM" offer without a token is not a challenge.
func parseChallenge(values []string) ([]byte, error) {
	for _, v := range values {
		// One header line may list several schemes.
		for _, part := range strings.Split(v, ",") {
			scheme, tok, ok := strings.Cut(strings.TrimSpace(part), " ")
			if !ok || !strings.EqualFold(scheme, ntlmScheme) {
				continue
			}
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			b, err := base64.StdEncoding.DecodeString(tok)
			if err != nil {
				return nil, fmt.Errorf("malformed NTLM challenge: %w", err)
			}
			return b, nil
		}
	}
	return nil, nil
}
