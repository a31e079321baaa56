// Package proxyagent sends HTTP requests through a forward proxy.
//
// An Agent speaks to the proxy in one of two modes. In plain mode the
// request is written in absolute form and the proxy forwards it. In tunnel
// mode the agent opens a CONNECT tunnel, upgrades it to TLS against the
// origin and writes the request inside the tunnel.
//
// The proxy may require a static Basic credential or an NTLM handshake. The
// handshake runs once per Agent on the connection that then carries the
// request which triggered it; later requests reuse the negotiated header.
package proxyagent

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	http "github.com/sardanioss/http"
	tls "github.com/sardanioss/utls"
	netproxy "golang.org/x/net/proxy"

	"github.com/sardanioss/proxyagent/affinity"
	"github.com/sardanioss/proxyagent/auth"
	"github.com/sardanioss/proxyagent/fingerprint"
	"github.com/sardanioss/proxyagent/logging"
	"github.com/sardanioss/proxyagent/metrics"
	"github.com/sardanioss/proxyagent/proxy"
	"github.com/sardanioss/proxyagent/session"
	"github.com/sardanioss/proxyagent/transport"
)

// ErrAlreadyDispatched is returned for a request whose context already
// belongs to a dispatch in progress.
var ErrAlreadyDispatched = errors.New("proxyagent: request is already being dispatched")

const (
	modePlain  = "plain"
	modeTunnel = "tunnel"
)

// Agent routes requests through one proxy. It is safe for concurrent use.
type Agent struct {
	cfg      *proxy.Config
	endpoint proxy.Endpoint
	preset   fingerprint.Preset

	log     *slog.Logger
	metrics *metrics.Collector

	factory  *transport.ConnFactory
	tunneler *transport.Tunneler

	// basic is the static header; zero when none is configured.
	basic auth.Header

	// negotiator and state are set when NTLM is configured.
	negotiator *auth.Negotiator
	state      *session.State
	scope      auth.Scope

	keyLog io.Closer
}

// Option configures an Agent.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metrics.Collector
	codec   auth.Codec
	dialer  netproxy.ContextDialer
	rootCAs *x509.CertPool
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records dispatch, negotiation and tunnel events in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithCodec replaces the NTLM message codec.
func WithCodec(c auth.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithDialer sets the dialer used to reach the proxy.
func WithDialer(d netproxy.ContextDialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithRootCAs sets the roots used to verify the proxy and origin
// certificates. The system pool is used when unset.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(o *options) { o.rootCAs = pool }
}

// New builds an Agent for cfg. cfg is copied; later changes to it have no
// effect on the Agent.
func New(cfg *proxy.Config, opts ...Option) (*Agent, error) {
	if cfg == nil {
		return nil, errors.New("proxyagent: nil config")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}

	cfg = cfg.Clone()
	proxy.ApplyDefaults(cfg)
	if err := proxy.Validate(cfg); err != nil {
		return nil, fmt.Errorf("proxyagent: %w", err)
	}
	ep, err := cfg.Endpoint()
	if err != nil {
		return nil, fmt.Errorf("proxyagent: %w", err)
	}
	preset, err := fingerprint.ParsePreset(cfg.Preset)
	if err != nil {
		return nil, fmt.Errorf("proxyagent: %w", err)
	}

	a := &Agent{
		cfg:      cfg,
		endpoint: ep,
		preset:   preset,
		log:      o.logger.With("proxy", ep.Addr()),
		metrics:  o.metrics,
	}

	tlsCfg := &tls.Config{
		RootCAs:            o.rootCAs,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.KeyLogFile != "" {
		f, err := transport.OpenKeyLog(cfg.KeyLogFile)
		if err != nil {
			return nil, fmt.Errorf("proxyagent: open key log: %w", err)
		}
		tlsCfg.KeyLogWriter = f
		a.keyLog = f
	}

	a.factory = &transport.ConnFactory{
		Addr:    ep.Addr(),
		Dialer:  o.dialer,
		Timeout: cfg.Timeout,
		OnReuse: a.metrics.AffinityReuse,
	}
	if ep.TLS() {
		a.factory.TLS = tlsCfg.Clone()
	}
	if cfg.DNSServer != "" {
		a.factory.Resolver = transport.NewResolver(cfg.DNSServer)
	}

	a.tunneler = &transport.Tunneler{
		TLSConfig: tlsCfg,
		Preset:    preset,
		Pipelined: cfg.Pipelined,
		Timeout:   cfg.Timeout,
	}

	switch {
	case cfg.NTLM != nil:
		scope, _ := auth.ParseScope(cfg.NTLM.HeaderScope)
		a.scope = scope
		a.state = &session.State{ReauthAfter: cfg.ReauthAfter}
		a.negotiator = &auth.Negotiator{
			Codec:  o.codec,
			Dialer: a.factory,
			Credentials: auth.Credentials{
				Username:    cfg.NTLM.Username,
				Password:    cfg.NTLM.Password,
				Domain:      cfg.NTLM.Domain,
				Workstation: cfg.NTLM.Workstation,
			},
			Scope:  scope,
			Logger: a.log,
		}
	case cfg.Credential != "":
		a.basic = auth.Basic(cfg.Credential)
	}
	if cfg.NTLM != nil && cfg.Credential != "" {
		a.log.Warn("static credential ignored, NTLM is configured")
	}

	a.log.Debug("agent created", "config", cfg.Redacted(), "preset", string(preset))
	return a, nil
}

// Config returns a copy of the agent's configuration.
func (a *Agent) Config() *proxy.Config {
	return a.cfg.Clone()
}

// Close releases the key log file, if one was opened. In-flight requests
// are not affected.
func (a *Agent) Close() error {
	if a.keyLog != nil {
		return a.keyLog.Close()
	}
	return nil
}

// Client returns an http.Client that sends every request through a.
func (a *Agent) Client() *http.Client {
	return &http.Client{Transport: a}
}

// RoundTrip implements http.RoundTripper. The target port defaults to 443
// for https URLs and 80 otherwise.
func (a *Agent) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil {
		closeBody(req)
		return nil, errors.New("proxyagent: nil request URL")
	}
	host := req.URL.Hostname()
	if host == "" {
		closeBody(req)
		return nil, fmt.Errorf("proxyagent: no host in request URL %q", req.URL.String())
	}
	port := req.URL.Port()
	if port == "" {
		port = "80"
		if req.URL.Scheme == "https" {
			port = "443"
		}
	}
	return a.Dispatch(req, host, port)
}

// Dispatch sends req to host:port through the proxy and returns the
// response. req is not modified. Closing the response body closes the
// connection it arrived on.
func (a *Agent) Dispatch(req *http.Request, host, port string) (*http.Response, error) {
	ctx := req.Context()
	if affinity.FromContext(ctx) != nil {
		closeBody(req)
		return nil, ErrAlreadyDispatched
	}
	ctx, slot := affinity.NewContext(ctx)
	ctx, _ = logging.EnsureRequestID(ctx)

	mode := modePlain
	if a.cfg.Tunnel {
		mode = modeTunnel
	}
	target := net.JoinHostPort(host, port)
	a.log.DebugContext(ctx, "dispatch", "mode", mode, "method", req.Method, "target", target)

	start := time.Now()
	var (
		resp *http.Response
		err  error
	)
	if a.cfg.Tunnel {
		resp, err = a.dispatchTunnel(ctx, slot, req, host, port)
	} else {
		resp, err = a.dispatchPlain(ctx, req, host, port)
	}
	if err != nil {
		slot.Release()
		closeBody(req)
		a.metrics.Dispatch(mode, "error", time.Since(start))
		a.log.WarnContext(ctx, "dispatch failed", "mode", mode, "target", target, "error", err)
		return nil, err
	}

	resp.Request = req
	a.metrics.Dispatch(mode, "ok", time.Since(start))
	a.log.DebugContext(ctx, "dispatch done", "mode", mode, "target", target, "status", resp.StatusCode)
	return resp, nil
}

func (a *Agent) dispatchPlain(ctx context.Context, req *http.Request, host, port string) (*http.Response, error) {
	hostPort := net.JoinHostPort(host, port)
	u := *req.URL
	u.Scheme = a.endpoint.Scheme
	u.Host = hostPort
	u.User = nil

	hdr, negotiated, err := a.authHeader(ctx, auth.Target{
		Host: host,
		Port: port,
		URL:  &u,
		Path: u.RequestURI(),
	})
	if err != nil {
		return nil, err
	}

	out := req.Clone(ctx)
	out.URL = &u
	// The absolute request target is written from Host.
	out.Host = hostPort
	hdr.Apply(out.Header)
	decode := a.prepare(out)

	conn, err := a.factory.DialContext(ctx, "tcp", a.endpoint.Addr())
	if err != nil {
		return nil, err
	}
	resp, err := transport.Exchange(ctx, conn, out, transport.AbsoluteForm)
	if err != nil {
		return nil, err
	}

	if negotiated && resp.StatusCode == a.scope.Status() {
		a.invalidate(ctx, hdr, resp.StatusCode)
	}
	return a.finish(resp, decode)
}

func (a *Agent) dispatchTunnel(ctx context.Context, slot *affinity.Slot, req *http.Request, host, port string) (*http.Response, error) {
	hdr, negotiated, err := a.authHeader(ctx, auth.Target{
		Host:   host,
		Port:   port,
		Tunnel: true,
		Path:   req.URL.RequestURI(),
	})
	if err != nil {
		return nil, err
	}

	conn, err := a.factory.DialContext(ctx, "tcp", a.endpoint.Addr())
	if err != nil {
		return nil, err
	}
	start := time.Now()
	tconn, err := a.tunneler.Establish(ctx, conn, host, port, headerOf(hdr))
	if err != nil {
		a.metrics.Tunnel("error", time.Since(start))
		var te *transport.TunnelError
		if negotiated && errors.As(err, &te) && te.StatusCode == a.scope.Status() {
			a.invalidate(ctx, hdr, te.StatusCode)
		}
		return nil, err
	}
	a.metrics.Tunnel("ok", time.Since(start))
	a.log.DebugContext(ctx, "tunnel established", "target", net.JoinHostPort(host, port))
	slot.Bind(tconn)

	out := req.Clone(ctx)
	if out.URL.Scheme == "" {
		out.URL.Scheme = "https"
	}
	if out.URL.Host == "" {
		out.URL.Host = net.JoinHostPort(host, port)
	}
	// Proxy headers stop at the proxy; the origin never sees them.
	out.Header.Del("Proxy-Authorization")
	out.Header.Del("Proxy-Connection")
	decode := a.prepare(out)

	conn, err = a.factory.DialContext(ctx, "tcp", a.endpoint.Addr())
	if err != nil {
		return nil, err
	}
	resp, err := transport.Exchange(ctx, conn, out, transport.OriginForm)
	if err != nil {
		return nil, err
	}
	return a.finish(resp, decode)
}

// authHeader returns the header the proxy expects. negotiated is true when
// the header came from an NTLM handshake.
func (a *Agent) authHeader(ctx context.Context, t auth.Target) (h auth.Header, negotiated bool, err error) {
	if a.negotiator == nil {
		return a.basic, false, nil
	}
	h, err = a.state.Resolve(ctx, func(ctx context.Context) (auth.Header, error) {
		h, err := a.negotiator.Negotiate(ctx, t)
		if err != nil {
			a.metrics.Negotiation("error")
			return h, err
		}
		a.metrics.Negotiation("ok")
		return h, nil
	})
	return h, true, err
}

func (a *Agent) invalidate(ctx context.Context, h auth.Header, status int) {
	if a.state.Invalidate(h) {
		a.metrics.Invalidation()
		a.log.InfoContext(ctx, "negotiated credentials rejected, next request renegotiates", "status", status)
	}
}

// prepare sets the preset's default headers on out and reports whether the
// response must be decoded by the agent.
func (a *Agent) prepare(out *http.Request) bool {
	fingerprint.ApplyHeaders(out.Header, a.preset)
	if a.cfg.Decompress && out.Header.Get("Accept-Encoding") == "" && out.Method != http.MethodHead {
		out.Header.Set("Accept-Encoding", transport.AcceptEncoding)
		return true
	}
	return false
}

func (a *Agent) finish(resp *http.Response, decode bool) (*http.Response, error) {
	if !decode {
		return resp, nil
	}
	if err := transport.DecodeBody(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// DialContext opens a raw CONNECT tunnel to addr through the proxy,
// authenticating first if needed. The returned conn carries the tunnel's
// bytes with no TLS layer. network must be a TCP network. With no request
// to take a path from, the NTLM codec is given addr.
func (a *Agent) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("proxyagent: unsupported network %q", network)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("proxyagent: %w", err)
	}
	if affinity.FromContext(ctx) != nil {
		return nil, ErrAlreadyDispatched
	}
	ctx, slot := affinity.NewContext(ctx)
	ctx, _ = logging.EnsureRequestID(ctx)

	conn, err := a.dialTunnel(ctx, host, port)
	if err != nil {
		slot.Release()
		a.log.WarnContext(ctx, "tunnel dial failed", "target", addr, "error", err)
		return nil, err
	}
	return conn, nil
}

func (a *Agent) dialTunnel(ctx context.Context, host, port string) (net.Conn, error) {
	target := net.JoinHostPort(host, port)
	hdr, negotiated, err := a.authHeader(ctx, auth.Target{Host: host, Port: port, Tunnel: true, Path: target})
	if err != nil {
		return nil, err
	}
	conn, err := a.factory.DialContext(ctx, "tcp", a.endpoint.Addr())
	if err != nil {
		return nil, err
	}
	start := time.Now()
	raw, err := a.tunneler.Connect(ctx, conn, target, headerOf(hdr))
	if err != nil {
		a.metrics.Tunnel("error", time.Since(start))
		var te *transport.TunnelError
		if negotiated && errors.As(err, &te) && te.StatusCode == a.scope.Status() {
			a.invalidate(ctx, hdr, te.StatusCode)
		}
		return nil, err
	}
	a.metrics.Tunnel("ok", time.Since(start))
	return raw, nil
}

// headerOf returns h as a header map for a CONNECT request.
func headerOf(h auth.Header) http.Header {
	if h.IsZero() {
		return nil
	}
	hdr := http.Header{}
	h.Apply(hdr)
	return hdr
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}

var _ http.RoundTripper = (*Agent)(nil)
var _ netproxy.ContextDialer = (*Agent)(nil)
