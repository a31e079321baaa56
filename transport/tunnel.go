package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"time"

	http "github.com/sardanioss/http"
	tls "github.com/sardanioss/utls"

	"github.com/sardanioss/proxyagent/fingerprint"
)

// Tunneler opens CONNECT tunnels through the proxy and upgrades them to TLS
// against the origin.
type Tunneler struct {
	// TLSConfig is the base configuration for the upgrade. ServerName is
	// always replaced by the target host.
	TLSConfig *tls.Config

	// Preset selects the ClientHello sent to the origin.
	Preset fingerprint.Preset

	// Pipelined sends the CONNECT request and the ClientHello in a single
	// write instead of waiting for the proxy's answer first. Saves one round
	// trip; the proxy must buffer data sent ahead of its response.
	Pipelined bool

	// Timeout bounds the wait for the proxy's CONNECT response.
	Timeout time.Duration
}

// ConnectRequest builds the CONNECT request for target ("host:port").
func ConnectRequest(target string, header http.Header) *http.Request {
	h := http.Header{}
	for k, v := range header {
		h[k] = append([]string(nil), v...)
	}
	return &http.Request{
		Method:     http.MethodConnect,
		URL:        &url.URL{Opaque: target},
		Host:       target,
		Header:     h,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
}

// Establish sends CONNECT host:port over conn and upgrades the tunnel to
// TLS, verifying the certificate against host. On failure conn is closed.
func (t *Tunneler) Establish(ctx context.Context, conn net.Conn, host, port string, header http.Header) (net.Conn, error) {
	target := net.JoinHostPort(host, port)
	if t.Pipelined {
		var buf bytes.Buffer
		req := ConnectRequest(target, header)
		if err := req.Write(&buf); err != nil {
			conn.Close()
			return nil, &TunnelError{Op: "write", Target: target, Err: err}
		}
		return t.Upgrade(ctx, newPipelinedConn(conn, req, buf.Bytes()), host)
	}

	raw, err := t.Connect(ctx, conn, target, header)
	if err != nil {
		return nil, err
	}
	return t.Upgrade(ctx, raw, host)
}

// Connect sends CONNECT target over conn and waits for a 2xx answer. The
// returned conn carries raw tunnel bytes. On failure conn is closed.
func (t *Tunneler) Connect(ctx context.Context, conn net.Conn, target string, header http.Header) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(aLongTimeAgo) })
	fail := func(te *TunnelError) (net.Conn, error) {
		stop()
		conn.Close()
		if te.Err != nil {
			te.Err = ctxErr(ctx, te.Err)
		}
		return nil, te
	}

	if t.Timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(t.Timeout))
	}

	req := ConnectRequest(target, header)
	if err := req.Write(conn); err != nil {
		return fail(&TunnelError{Op: "write", Target: target, Err: err})
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return fail(&TunnelError{Op: "read", Target: target, Err: err})
	}
	// The body of a successful CONNECT response is the tunnel itself; it
	// is never read through resp.Body.
	if resp.StatusCode/100 != 2 {
		return fail(&TunnelError{Op: "status", Target: target, StatusCode: resp.StatusCode})
	}

	if !stop() {
		conn.Close()
		return nil, &TunnelError{Op: "read", Target: target, Err: ctx.Err()}
	}
	conn.SetReadDeadline(time.Time{})

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// Upgrade runs a TLS client handshake over conn with serverName as SNI and
// verification name. On failure conn is closed.
func (t *Tunneler) Upgrade(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	target := serverName
	var cfg *tls.Config
	if t.TLSConfig != nil {
		cfg = t.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.ServerName = serverName
	if cfg.KeyLogWriter == nil {
		cfg.KeyLogWriter = KeyLogWriter()
	}

	uconn, err := fingerprint.Client(conn, cfg, t.Preset)
	if err != nil {
		conn.Close()
		return nil, &TunnelError{Op: "handshake", Target: target, Err: err}
	}
	if err := uconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		// A pipelined conn reports the CONNECT failure from inside the
		// handshake; surface it as is.
		var te *TunnelError
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, &TunnelError{Op: "handshake", Target: target, Err: ctxErr(ctx, err)}
	}
	return uconn, nil
}

// bufferedConn replays bytes the proxy sent right behind its CONNECT
// response before reading from the conn again.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// NetConn returns the wrapped connection.
func (c *bufferedConn) NetConn() net.Conn {
	return c.Conn
}
