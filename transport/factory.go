// Package transport moves requests over connections to a forward proxy.
//
// It owns the pieces below the dispatch logic: getting a connection to the
// proxy (or the one already bound to the request), writing a request and
// reading its response, and turning a proxy connection into a TLS tunnel to
// the origin with CONNECT.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	tls "github.com/sardanioss/utls"
	"golang.org/x/net/proxy"

	"github.com/sardanioss/proxyagent/affinity"
)

// ConnFactory hands out connections to the proxy.
//
// Before dialing it consults the affinity slot carried by the context; a
// bound connection is returned unchanged. This is how a conn that went
// through a CONNECT tunnel or an NTLM handshake reaches the request that
// needs it.
type ConnFactory struct {
	// Addr is the proxy's host:port.
	Addr string

	// TLS, when set, wraps every dialed conn in TLS to the proxy itself
	// (https:// proxies). ServerName defaults to the proxy host.
	TLS *tls.Config

	// Dialer opens TCP connections. Defaults to a net.Dialer.
	Dialer proxy.ContextDialer

	// Resolver, when set, resolves the proxy host instead of the system
	// resolver.
	Resolver *Resolver

	// Timeout bounds dialing, including the TLS handshake to the proxy.
	Timeout time.Duration

	// OnReuse is called each time a bound conn is handed out.
	OnReuse func()
}

// DialContext returns the conn bound to the request carried by ctx, or a
// new connection to the proxy. addr is ignored: every conn leads to the
// proxy.
func (f *ConnFactory) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if slot := affinity.FromContext(ctx); slot != nil {
		if conn, ok := slot.Take(); ok {
			if f.OnReuse != nil {
				f.OnReuse()
			}
			return conn, nil
		}
	}
	if network == "" {
		network = "tcp"
	}
	return f.dial(ctx, network)
}

func (f *ConnFactory) dial(ctx context.Context, network string) (net.Conn, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	host, port, err := net.SplitHostPort(f.Addr)
	if err != nil {
		return nil, fmt.Errorf("proxy address %q: %w", f.Addr, err)
	}

	addrs := []string{host}
	if f.Resolver != nil {
		addrs, err = f.Resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
	}

	conn, err := f.dialFirst(ctx, network, addrs, port)
	if err != nil {
		return nil, err
	}

	if f.TLS == nil {
		return conn, nil
	}
	cfg := f.TLS.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if cfg.KeyLogWriter == nil {
		cfg.KeyLogWriter = KeyLogWriter()
	}
	cfg.NextProtos = []string{"http/1.1"}
	tlsConn := tls.UClient(conn, cfg, tls.HelloGolang)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with proxy %s: %w", f.Addr, err)
	}
	return tlsConn, nil
}

// dialFirst tries each resolved address in order and returns the first
// conn that opens.
func (f *ConnFactory) dialFirst(ctx context.Context, network string, hosts []string, port string) (net.Conn, error) {
	d := f.Dialer
	if d == nil {
		d = &net.Dialer{KeepAlive: 30 * time.Second}
	}

	var errs []error
	for _, h := range hosts {
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(h, port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 1 {
		return nil, errs[0]
	}
	return nil, errors.Join(errs...)
}
