package auth

import (
	"context"
	"log/slog"
	"net"
	"net/url"

	http "github.com/sardanioss/http"
	"golang.org/x/net/proxy"

	"github.com/sardanioss/proxyagent/affinity"
	"github.com/sardanioss/proxyagent/transport"
)

// State is a step of one NTLM handshake.
type State int

const (
	Init State = iota
	Sent
	Challenged
	Resolved
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Sent:
		return "sent"
	case Challenged:
		return "challenged"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Credentials identify the NTLM principal.
type Credentials struct {
	Username    string
	Password    string
	Domain      string
	Workstation string
}

// Target describes the request a handshake is run for.
type Target struct {
	Host string
	Port string

	// Tunnel probes with CONNECT host:port. Otherwise URL is probed with
	// HEAD in absolute form.
	Tunnel bool
	URL    *url.URL

	// Path is the request target handed to the codec.
	Path string
}

// Negotiator runs the NTLM handshake with the proxy:
//
//	Init -> Sent        type 1 message sent on a probe request
//	Sent -> Challenged  proxy answered with a type 2 challenge
//	Challenged -> Resolved  type 3 message computed
//
// Any other outcome ends in Failed. Nothing is retried.
//
// The probe connection is bound to the affinity slot carried by the context
// before the probe is written, so the request that triggered the handshake
// goes out on the connection the handshake authenticated.
type Negotiator struct {
	Codec       Codec
	Dialer      proxy.ContextDialer
	Credentials Credentials
	Scope       Scope
	Logger      *slog.Logger
}

// Negotiate runs one handshake and returns the header for the real request.
func (n *Negotiator) Negotiate(ctx context.Context, t Target) (Header, error) {
	log := n.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With("target", net.JoinHostPort(t.Host, t.Port), "scope", n.Scope.String())
	codec := n.Codec
	if codec == nil {
		codec = NTLMSSP{}
	}

	state := Init
	fail := func(conn net.Conn, e *NegotiationError) (Header, error) {
		if conn != nil {
			conn.Close()
		}
		e.Phase = state
		log.Warn("ntlm negotiation failed", "state", state.String(), "error", e)
		return Header{}, e
	}

	tok, err := codec.Negotiate(n.Credentials.Domain, n.Credentials.Workstation)
	if err != nil {
		return fail(nil, &NegotiationError{Reason: "building negotiate message", Err: err})
	}

	conn, err := n.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(t.Host, t.Port))
	if err != nil {
		log.Warn("ntlm negotiation failed", "state", state.String(), "error", err)
		return Header{}, err
	}
	if slot := affinity.FromContext(ctx); slot != nil {
		conn = slot.Bind(conn)
	}

	req, form := n.probe(t)
	req.Header.Set(n.Scope.RequestHeader(), encodeToken(tok))
	state = Sent
	log.Debug("ntlm negotiate sent", "method", req.Method)

	resp, reused, err := transport.Probe(ctx, conn, req, form)
	if err != nil {
		// Probe has closed conn.
		log.Warn("ntlm negotiation failed", "state", state.String(), "error", err)
		return Header{}, err
	}

	if resp.StatusCode != n.Scope.Status() {
		return fail(conn, &NegotiationError{StatusCode: resp.StatusCode, Reason: "did not receive expected authentication challenge"})
	}
	challenge, err := parseChallenge(resp.Header.Values(n.Scope.ChallengeHeader()))
	if err != nil {
		return fail(conn, &NegotiationError{StatusCode: resp.StatusCode, Reason: "did not receive expected authentication challenge", Err: err})
	}
	if challenge == nil {
		return fail(conn, &NegotiationError{StatusCode: resp.StatusCode, Reason: "did not receive expected authentication challenge"})
	}
	state = Challenged
	log.Debug("ntlm challenge received", "reused", reused)
	if !reused {
		log.Warn("proxy closed the ntlm connection after its challenge; the authenticated request will use a new connection")
	}

	answer, err := codec.Respond(challenge, t.Path, n.Credentials.Domain, n.Credentials.Username, n.Credentials.Password)
	if err != nil {
		return fail(conn, &NegotiationError{Reason: "computing authenticate message", Err: err})
	}
	state = Resolved
	log.Debug("ntlm negotiation resolved")

	return Header{Name: n.Scope.RequestHeader(), Value: encodeToken(answer)}, nil
}

func (n *Negotiator) probe(t Target) (*http.Request, transport.Form) {
	var req *http.Request
	form := transport.AbsoluteForm
	if t.Tunnel {
		req = transport.ConnectRequest(net.JoinHostPort(t.Host, t.Port), nil)
		form = transport.OriginForm
	} else {
		u := *t.URL
		req = &http.Request{
			Method:     http.MethodHead,
			URL:        &u,
			Host:       u.Host,
			Header:     http.Header{},
			Proto:      "HTTP/1.1",
			ProtoMajor: 1,
			ProtoMinor: 1,
		}
	}
	if n.Scope == ProxyScope {
		req.Header.Set("Proxy-Connection", "keep-alive")
	}
	return req, form
}
