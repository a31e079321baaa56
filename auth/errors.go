package auth

import "fmt"

// NegotiationError reports an NTLM handshake that did not complete.
type NegotiationError struct {
	Phase      State  // state the handshake was in when it failed
	StatusCode int    // status of the probe response, if one arrived
	Reason     string
	Err        error
}

func (e *NegotiationError) Error() string {
	msg := "ntlm negotiation failed in " + e.Phase.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}
