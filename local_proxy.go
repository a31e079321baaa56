package proxyagent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	http "github.com/sardanioss/http"
	"golang.org/x/net/http/httpguts"

	"github.com/sardanioss/proxyagent/logging"
	"github.com/sardanioss/proxyagent/metrics"
)

// LocalProxy is an HTTP proxy on the loopback interface that sends
// everything it receives through an Agent. It lets programs that only know
// how to use a plain proxy reach an upstream that needs NTLM, Basic or a
// fingerprinted tunnel.
//
// Plain requests are forwarded with Agent.RoundTrip. CONNECT requests get a
// raw tunnel from Agent.DialContext; the client does its own TLS inside it.
//
// Each client connection carries one request.
type LocalProxy struct {
	listener net.Listener
	addr     string

	timeout        time.Duration
	maxConnections int

	agent   atomic.Pointer[Agent]
	log     *slog.Logger
	metrics *metrics.Collector

	running      atomic.Bool
	activeConns  atomic.Int64
	totalReqs    atomic.Int64
	tunnels      atomic.Int64
	rejected     atomic.Int64
	shuttingDown atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// LocalProxyConfig holds configuration for the local proxy.
type LocalProxyConfig struct {
	// Addr to listen on. Only loopback addresses are accepted. Default
	// 127.0.0.1:0 (any free port).
	Addr string

	// Timeout bounds reading the client's request and setting up the
	// upstream request or tunnel.
	Timeout time.Duration

	// MaxConnections caps concurrent client connections; excess
	// connections are closed on accept.
	MaxConnections int

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// LocalProxyOption configures the local proxy.
type LocalProxyOption func(*LocalProxyConfig)

// WithListenAddr sets the listen address.
func WithListenAddr(addr string) LocalProxyOption {
	return func(c *LocalProxyConfig) {
		c.Addr = addr
	}
}

// WithRelayTimeout sets the request timeout.
func WithRelayTimeout(d time.Duration) LocalProxyOption {
	return func(c *LocalProxyConfig) {
		c.Timeout = d
	}
}

// WithMaxConnections sets the maximum concurrent connections.
func WithMaxConnections(n int) LocalProxyOption {
	return func(c *LocalProxyConfig) {
		c.MaxConnections = n
	}
}

// WithRelayLogger sets the logger.
func WithRelayLogger(l *slog.Logger) LocalProxyOption {
	return func(c *LocalProxyConfig) {
		c.Logger = l
	}
}

// WithRelayMetrics records the number of open client connections in m.
func WithRelayMetrics(m *metrics.Collector) LocalProxyOption {
	return func(c *LocalProxyConfig) {
		c.Metrics = m
	}
}

// StartLocalProxy starts a local proxy that forwards through agent.
//
//	relay, err := proxyagent.StartLocalProxy(agent, proxyagent.WithListenAddr("127.0.0.1:3128"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer relay.Stop()
func StartLocalProxy(agent *Agent, opts ...LocalProxyOption) (*LocalProxy, error) {
	if agent == nil {
		return nil, errors.New("local proxy: nil agent")
	}
	config := &LocalProxyConfig{
		Addr:           "127.0.0.1:0",
		Timeout:        30 * time.Second,
		MaxConnections: 1000,
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = logging.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &LocalProxy{
		addr:           config.Addr,
		timeout:        config.Timeout,
		maxConnections: config.MaxConnections,
		log:            config.Logger,
		metrics:        config.Metrics,
		ctx:            ctx,
		cancel:         cancel,
	}
	p.agent.Store(agent)

	if err := p.start(); err != nil {
		cancel()
		return nil, err
	}
	return p, nil
}

func (p *LocalProxy) start() error {
	if p.running.Load() {
		return errors.New("local proxy already running")
	}

	host, _, err := net.SplitHostPort(p.addr)
	if err != nil {
		return fmt.Errorf("listen address %q: %w", p.addr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("listen address %q is not a loopback address", p.addr)
	}

	listener, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.addr, err)
	}
	p.listener = listener
	p.addr = listener.Addr().String()
	p.running.Store(true)

	p.wg.Add(1)
	go p.acceptLoop()

	p.log.Info("local proxy listening", "addr", p.addr)
	return nil
}

// SetAgent replaces the agent used for new requests and returns the
// previous one. Requests already in flight finish on the old agent.
func (p *LocalProxy) SetAgent(a *Agent) *Agent {
	if a == nil {
		return nil
	}
	return p.agent.Swap(a)
}

// Agent returns the agent new requests are sent through.
func (p *LocalProxy) Agent() *Agent {
	return p.agent.Load()
}

// Stop closes the listener and waits up to ten seconds for open
// connections to finish.
func (p *LocalProxy) Stop() error {
	if !p.running.Load() {
		return nil
	}

	p.shuttingDown.Store(true)
	p.cancel()
	p.listener.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		p.log.Warn("local proxy stopped with connections still open", "active", p.activeConns.Load())
	}

	p.running.Store(false)
	return nil
}

// Addr returns the address the proxy listens on.
func (p *LocalProxy) Addr() string {
	return p.addr
}

// Port returns the port the proxy listens on.
func (p *LocalProxy) Port() int {
	if tcp, ok := p.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// IsRunning reports whether the proxy is accepting connections.
func (p *LocalProxy) IsRunning() bool {
	return p.running.Load()
}

// Stats returns counters for display.
func (p *LocalProxy) Stats() map[string]any {
	return map[string]any{
		"running":         p.running.Load(),
		"addr":            p.addr,
		"active_conns":    p.activeConns.Load(),
		"total_requests":  p.totalReqs.Load(),
		"tunnels":         p.tunnels.Load(),
		"rejected_conns":  p.rejected.Load(),
		"max_connections": p.maxConnections,
	}
}

func (p *LocalProxy) acceptLoop() {
	defer p.wg.Done()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if p.shuttingDown.Load() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.log.Warn("accept failed", "error", err)
			continue
		}

		if p.maxConnections > 0 && p.activeConns.Load() >= int64(p.maxConnections) {
			p.rejected.Add(1)
			conn.Close()
			continue
		}

		p.activeConns.Add(1)
		p.metrics.RelayConn(1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.metrics.RelayConn(-1)
			defer p.activeConns.Add(-1)
			p.handleConnection(conn)
		}()
	}
}

func (p *LocalProxy) handleConnection(conn net.Conn) {
	defer conn.Close()

	if p.timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(p.timeout))
	}
	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		p.sendError(conn, http.StatusBadRequest, "Bad Request")
		return
	}
	conn.SetReadDeadline(time.Time{})

	p.totalReqs.Add(1)
	ctx, _ := logging.EnsureRequestID(p.ctx)
	p.log.DebugContext(ctx, "relay request", "method", req.Method, "target", req.RequestURI, "client", conn.RemoteAddr().String())

	if req.Method == http.MethodConnect {
		p.handleCONNECT(ctx, conn, reader, req)
	} else {
		p.handleHTTP(ctx, conn, req)
	}
}

func (p *LocalProxy) handleCONNECT(ctx context.Context, clientConn net.Conn, reader *bufio.Reader, req *http.Request) {
	target := req.Host
	if target == "" {
		target = req.URL.Host
	}
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		host, port = target, "443"
		target = net.JoinHostPort(host, port)
	}

	if !p.isPortAllowed(port) {
		p.sendError(clientConn, http.StatusForbidden, "Port not allowed")
		return
	}

	dialCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	targetConn, err := p.agent.Load().DialContext(dialCtx, "tcp", target)
	if err != nil {
		p.log.WarnContext(ctx, "relay tunnel failed", "target", target, "error", err)
		p.sendError(clientConn, http.StatusBadGateway, fmt.Sprintf("Failed to connect: %v", err))
		return
	}
	defer targetConn.Close()
	p.tunnels.Add(1)

	if _, err := io.WriteString(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	// reader holds any tunnel bytes the client sent right behind its CONNECT.
	p.tunnel(clientConn, reader, targetConn)
}

func (p *LocalProxy) handleHTTP(ctx context.Context, clientConn net.Conn, req *http.Request) {
	targetURL := req.URL.String()
	if !strings.HasPrefix(targetURL, "http://") && !strings.HasPrefix(targetURL, "https://") {
		switch {
		case req.URL.Host != "":
			targetURL = "http://" + req.URL.Host + req.URL.RequestURI()
		case req.Host != "":
			targetURL = "http://" + req.Host + req.URL.RequestURI()
		default:
			p.sendError(clientConn, http.StatusBadRequest, "Missing host")
			return
		}
	}

	reqCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	outReq, err := http.NewRequestWithContext(reqCtx, req.Method, targetURL, req.Body)
	if err != nil {
		p.sendError(clientConn, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}
	copyEndToEnd(outReq.Header, req.Header)
	outReq.ContentLength = req.ContentLength

	resp, err := p.agent.Load().RoundTrip(outReq)
	if err != nil {
		p.log.WarnContext(ctx, "relay request failed", "target", targetURL, "error", err)
		p.sendError(clientConn, http.StatusBadGateway, fmt.Sprintf("Request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	out := *resp
	out.Header = http.Header{}
	copyEndToEnd(out.Header, resp.Header)
	out.Close = true

	bufWriter := bufio.NewWriterSize(clientConn, 64*1024)
	if err := out.Write(bufWriter); err != nil {
		p.log.DebugContext(ctx, "relay response write failed", "error", err)
		return
	}
	bufWriter.Flush()
}

// tunnel copies bytes both ways until both directions are done. Each side
// is half-closed when its source ends.
func (p *LocalProxy) tunnel(client net.Conn, clientReader io.Reader, target net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	const bufSize = 64 * 1024

	go func() {
		defer wg.Done()
		buf := make([]byte, bufSize)
		io.CopyBuffer(target, clientReader, buf)
		closeWrite(target)
	}()

	go func() {
		defer wg.Done()
		buf := make([]byte, bufSize)
		io.CopyBuffer(client, target, buf)
		closeWrite(client)
	}()

	wg.Wait()
}

// closeWrite half-closes c, looking through wrappers for a conn that
// supports it. Conns that cannot be half-closed are closed.
func closeWrite(c net.Conn) {
	for {
		switch v := c.(type) {
		case interface{ CloseWrite() error }:
			v.CloseWrite()
			return
		case interface{ NetConn() net.Conn }:
			c = v.NetConn()
		default:
			c.Close()
			return
		}
	}
}

// isPortAllowed blocks mail submission and telnet ports.
func (p *LocalProxy) isPortAllowed(port string) bool {
	blocked := map[string]bool{
		"25": true, "465": true, "587": true, // SMTP
		"23": true, // Telnet
	}
	return !blocked[port]
}

func (p *LocalProxy) sendError(conn net.Conn, status int, message string) {
	response := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(message), message)
	io.WriteString(conn, response)
}

var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// copyEndToEnd copies the end-to-end headers of src into dst. Hop-by-hop
// headers, headers named in Connection and malformed fields are dropped.
func copyEndToEnd(dst, src http.Header) {
	named := src.Values("Connection")
	for key, values := range src {
		if hopByHop[http.CanonicalHeaderKey(key)] || !httpguts.ValidHeaderFieldName(key) {
			continue
		}
		if len(named) > 0 && httpguts.HeaderValuesContainsToken(named, key) {
			continue
		}
		for _, v := range values {
			if httpguts.ValidHeaderFieldValue(v) {
				dst.Add(key, v)
			}
		}
	}
}
