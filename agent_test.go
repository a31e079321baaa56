package proxyagent

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	http "github.com/sardanioss/http"

	"github.com/sardanioss/proxyagent/affinity"
	"github.com/sardanioss/proxyagent/auth"
	"github.com/sardanioss/proxyagent/internal/proxytest"
	"github.com/sardanioss/proxyagent/logging"
	"github.com/sardanioss/proxyagent/metrics"
	"github.com/sardanioss/proxyagent/proxy"
	"github.com/sardanioss/proxyagent/transport"
)

// stubCodec produces readable NTLM tokens so the fake proxy can tell the
// handshake messages apart.
type stubCodec struct{}

func (stubCodec) Negotiate(domain, workstation string) ([]byte, error) {
	return []byte("negotiate"), nil
}

func (stubCodec) Respond(challenge []byte, path, domain, user, password string) ([]byte, error) {
	return []byte("auth:" + user + ":" + string(challenge)), nil
}

// recordingCodec is stubCodec plus the paths Respond was given.
type recordingCodec struct {
	stubCodec
	mu    sync.Mutex
	paths []string
}

func (c *recordingCodec) Respond(challenge []byte, path, domain, user, password string) ([]byte, error) {
	c.mu.Lock()
	c.paths = append(c.paths, path)
	c.mu.Unlock()
	return c.stubCodec.Respond(challenge, path, domain, user, password)
}

func (c *recordingCodec) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...)
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

var (
	negotiateValue = "NTLM " + b64("negotiate")
	authValue      = "NTLM " + b64("auth:alice:chal")
)

func ntlmConfig(addr string, tunnel bool) *proxy.Config {
	return &proxy.Config{
		URL:    "http://" + addr,
		Tunnel: tunnel,
		NTLM:   &proxy.NTLMConfig{Username: "alice", Password: "secret"},
	}
}

func newAgent(t *testing.T, cfg *proxy.Config, opts ...Option) *Agent {
	t.Helper()
	a, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func get(t *testing.T, a *Agent, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := a.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip %s: %v", url, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

// serveOrigin plays the origin at the far end of a tunnel: TLS handshake,
// one request, a body naming the host and path it saw.
func serveOrigin(c *proxytest.Conn, cfg *tls.Config, sni chan<- string) {
	tc, err := proxytest.ServeTLS(c, cfg)
	if err != nil {
		return
	}
	defer tc.Close()
	if sni != nil {
		sni <- tc.ConnectionState().ServerName
	}
	inner, err := http.ReadRequest(bufio.NewReader(tc))
	if err != nil {
		return
	}
	body := "origin " + inner.Host + inner.URL.RequestURI()
	io.WriteString(tc, "HTTP/1.1 200 OK\r\nContent-Length: "+strconv.Itoa(len(body))+"\r\n\r\n"+body)
}

func TestDispatchPlain(t *testing.T) {
	tests := []struct {
		name       string
		credential string
	}{
		{"plain secret", "user:pass"},
		{"base64 secret", "dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := proxytest.NewServer(t, func(c *proxytest.Conn) {
				if _, err := c.ReadRequest(); err != nil {
					return
				}
				c.Respond(http.StatusOK, "forwarded")
			})
			a := newAgent(t, &proxy.Config{URL: "http://" + srv.Addr, Credential: tt.credential})

			req, _ := http.NewRequest(http.MethodGet, "http://origin.test:8080/path?q=1", nil)
			req.Header.Set("Proxy-Authorization", "stale")
			resp, err := a.RoundTrip(req)
			if err != nil {
				t.Fatalf("RoundTrip: %v", err)
			}
			if body := readBody(t, resp); body != "forwarded" {
				t.Fatalf("body = %q", body)
			}
			if resp.Request != req {
				t.Error("response does not point at the caller's request")
			}

			seen := srv.Requests()[0]
			if seen.RequestURI != "http://origin.test:8080/path?q=1" {
				t.Errorf("request target = %q", seen.RequestURI)
			}
			if got := seen.Header.Values("Proxy-Authorization"); len(got) != 1 || got[0] != "Basic dXNlcjpwYXNz" {
				t.Errorf("Proxy-Authorization = %q, want exactly one Basic dXNlcjpwYXNz", got)
			}
			if req.Header.Get("Proxy-Authorization") != "stale" || req.URL.String() != "http://origin.test:8080/path?q=1" {
				t.Error("caller's request was modified")
			}
		})
	}
}

func TestDispatchPlainUsesProxyScheme(t *testing.T) {
	srv := proxytest.NewServer(t, func(c *proxytest.Conn) {
		if _, err := c.ReadRequest(); err != nil {
			return
		}
		c.Respond(http.StatusOK, "")
	})
	a := newAgent(t, &proxy.Config{URL: "http://" + srv.Addr})

	req, _ := http.NewRequest(http.MethodGet, "https://origin.test/a", nil)
	resp, err := a.Dispatch(req, "origin.test", "8443")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	resp.Body.Close()

	seen := srv.Requests()[0]
	if seen.RequestURI != "http://origin.test:8443/a" {
		t.Fatalf("request target = %q", seen.RequestURI)
	}
	if seen.Header.Get("Proxy-Authorization") != "" {
		t.Fatal("auth header sent without credentials")
	}
}

func TestDispatchTunnel(t *testing.T) {
	srvCfg, pool := proxytest.NewCert(t, "origin.test")
	sni := make(chan string, 1)
	srv := proxytest.NewServer(t, func(c *proxytest.Conn) {
		req, err := c.ReadRequest()
		if err != nil || req.Method != http.MethodConnect {
			return
		}
		c.Established()
		serveOrigin(c, srvCfg, sni)
	})
	a := newAgent(t, &proxy.Config{URL: "http://" + srv.Addr, Tunnel: true, Credential: "user:pass"}, WithRootCAs(pool))

	resp := get(t, a, "https://origin.test/hello?x=1")
	if body := readBody(t, resp); body != "origin origin.test/hello?x=1" {
		t.Fatalf("body = %q", body)
	}
	if got := <-sni; got != "origin.test" {
		t.Fatalf("SNI = %q, want origin.test", got)
	}

	connect := srv.Requests()[0]
	if connect.Method != http.MethodConnect || connect.RequestURI != "origin.test:443" {
		t.Fatalf("first request = %s %s", connect.Method, connect.RequestURI)
	}
	if connect.Host != "origin.test:443" {
		t.Errorf("CONNECT Host = %q", connect.Host)
	}
	if got := connect.Header.Get("Proxy-Authorization"); got != "Basic dXNlcjpwYXNz" {
		t.Errorf("CONNECT auth = %q", got)
	}
}

func TestDispatchTunnelRejected(t *testing.T) {
	srv := proxytest.NewServer(t, func(c *proxytest.Conn) {
		if _, err := c.ReadRequest(); err != nil {
			return
		}
		c.Respond(http.StatusForbidden, "")
	})
	a := newAgent(t, &proxy.Config{URL: "http://" + srv.Addr, Tunnel: true})

	req, _ := http.NewRequest(http.MethodGet, "https://origin.test/", nil)
	_, err := a.RoundTrip(req)
	if err == nil || !strings.Contains(err.Error(), "HTTP 403") {
		t.Fatalf("expected CONNECT rejection, got %v", err)
	}
}

func TestDispatchNTLMTunnelSingleConnection(t *testing.T) {
	srvCfg, pool := proxytest.NewCert(t, "origin.test")
	srv := proxytest.NewServer(t, func(c *proxytest.Conn) {
		for {
			req, err := c.ReadRequest()
			if err != nil {
				return
			}
			switch req.Header.Get("Proxy-Authorization") {
			case negotiateValue:
				c.Respond(http.StatusProxyAuthRequired, "", "Proxy-Authenticate: NTLM "+b64("chal"))
			case authValue:
				c.Established()
				serveOrigin(c, srvCfg, nil)
				return
			default:
				c.Respond(http.StatusProxyAuthRequired, "", "Proxy-Authenticate: NTLM")
				return
			}
		}
	})
	m := metrics.NewCollector("test", nil)
	a := newAgent(t, ntlmConfig(srv.Addr, true), WithCodec(stubCodec{}), WithRootCAs(pool), WithMetrics(m))

	resp := get(t, a, "https://origin.test/secure")
	if body := readBody(t, resp); body != "origin origin.test/secure" {
		t.Fatalf("body = %q", body)
	}
	if n := srv.Accepted(); n != 1 {
		t.Fatalf("proxy accepted %d connections, want 1", n)
	}
	reqs := srv.Requests()
	if len(reqs) != 2 || reqs[0].Method != http.MethodConnect || reqs[1].Method != http.MethodConnect {
		t.Fatalf("proxy saw %d requests", len(reqs))
	}

	expected := `
# HELP test_affinity_reuse_total Requests sent on a connection bound by negotiation or tunneling.
# TYPE test_affinity_reuse_total counter
test_affinity_reuse_total 2
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_affinity_reuse_total"); err != nil {
		t.Fatal(err)
	}
}

// plainNTLMProxy challenges the negotiate message and answers the
// authenticate message with reply. It counts negotiate messages.
func plainNTLMProxy(t *testing.T, negotiations *atomic.Int32, reply func(c *proxytest.Conn)) *proxytest.Server {
	return proxytest.NewServer(t, func(c *proxytest.Conn) {
		for {
			req, err := c.ReadRequest()
			if err != nil {
				return
			}
			switch req.Header.Get("Proxy-Authorization") {
			case negotiateValue:
				negotiations.Add(1)
				c.Respond(http.StatusProxyAuthRequired, "", "Proxy-Authenticate: NTLM "+b64("chal"))
			case authValue:
				reply(c)
			default:
				c.Respond(http.StatusProxyAuthRequired, "", "Proxy-Authenticate: NTLM")
			}
		}
	})
}

func TestDispatchNTLMPlain(t *testing.T) {
	var negotiations atomic.Int32
	srv := plainNTLMProxy(t, &negotiations, func(c *proxytest.Conn) { c.Respond(http.StatusOK, "in") })
	a := newAgent(t, ntlmConfig(srv.Addr, false), WithCodec(stubCodec{}))

	resp := get(t, a, "http://origin.test/app")
	if body := readBody(t, resp); body != "in" {
		t.Fatalf("body = %q", body)
	}

	reqs := srv.Requests()
	if len(reqs) != 2 {
		t.Fatalf("proxy saw %d requests, want probe and request", len(reqs))
	}
	if reqs[0].Method != http.MethodHead || reqs[1].Method != http.MethodGet {
		t.Fatalf("methods = %s, %s", reqs[0].Method, reqs[1].Method)
	}
	if reqs[1].RequestURI != "http://origin.test:80/app" {
		t.Fatalf("request target = %q", reqs[1].RequestURI)
	}
	if srv.Accepted() != 1 {
		t.Fatalf("proxy accepted %d connections, want 1", srv.Accepted())
	}

	// The negotiated header is reused on a new connection.
	resp = get(t, a, "http://origin.test/again")
	readBody(t, resp)
	if negotiations.Load() != 1 {
		t.Fatalf("negotiated %d times, want 1", negotiations.Load())
	}
}

func TestDispatchNTLMNoChallenge(t *testing.T) {
	srv := proxytest.NewServer(t, func(c *proxytest.Conn) {
		for {
			if _, err := c.ReadRequest(); err != nil {
				return
			}
			c.Respond(http.StatusOK, "")
		}
	})
	a := newAgent(t, ntlmConfig(srv.Addr, false), WithCodec(stubCodec{}))

	req, _ := http.NewRequest(http.MethodGet, "http://origin.test/", nil)
	resp, err := a.RoundTrip(req)
	if resp != nil {
		t.Fatal("got a response for a failed negotiation")
	}
	var ne *auth.NegotiationError
	if !errors.As(err, &ne) {
		t.Fatalf("expected *auth.NegotiationError, got %v", err)
	}
	if reqs := srv.Requests(); len(reqs) != 1 || reqs[0].Method != http.MethodHead {
		t.Fatalf("proxy saw %d requests, want only the probe", len(reqs))
	}
}

func TestDispatchNTLMConcurrent(t *testing.T) {
	var negotiations atomic.Int32
	srv := plainNTLMProxy(t, &negotiations, func(c *proxytest.Conn) { c.Respond(http.StatusOK, "ok") })
	a := newAgent(t, ntlmConfig(srv.Addr, false), WithCodec(stubCodec{}))

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, "http://origin.test/"+strconv.Itoa(i), nil)
			resp, err := a.RoundTrip(req)
			if err != nil {
				errs <- err
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- errors.New(resp.Status)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if got := negotiations.Load(); got != 1 {
		t.Fatalf("negotiated %d times, want 1", got)
	}
}

func TestDispatchNTLMInvalidation(t *testing.T) {
	var negotiations, authenticated atomic.Int32
	srv := plainNTLMProxy(t, &negotiations, func(c *proxytest.Conn) {
		if authenticated.Add(1) == 2 {
			c.Respond(http.StatusProxyAuthRequired, "expired", "Proxy-Authenticate: NTLM")
			return
		}
		c.Respond(http.StatusOK, "ok")
	})
	m := metrics.NewCollector("test", nil)
	a := newAgent(t, ntlmConfig(srv.Addr, false), WithCodec(stubCodec{}), WithMetrics(m))

	statuses := make([]int, 3)
	for i := range statuses {
		resp := get(t, a, "http://origin.test/")
		statuses[i] = resp.StatusCode
		readBody(t, resp)
	}

	if statuses[0] != 200 || statuses[1] != 407 || statuses[2] != 200 {
		t.Fatalf("statuses = %v, want [200 407 200]", statuses)
	}
	if got := negotiations.Load(); got != 2 {
		t.Fatalf("negotiated %d times, want 2", got)
	}

	expected := `
# HELP test_ntlm_invalidations_total Cached NTLM headers dropped after the proxy rejected them.
# TYPE test_ntlm_invalidations_total counter
test_ntlm_invalidations_total 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_ntlm_invalidations_total"); err != nil {
		t.Fatal(err)
	}
}

// tunnelNTLMProxy challenges CONNECT requests carrying the negotiate
// message. A CONNECT with the authenticate message opens a tunnel to the
// origin when accept returns true for its sequence number, starting at 1,
// and is answered with 407 otherwise.
func tunnelNTLMProxy(t *testing.T, negotiations *atomic.Int32, srvCfg *tls.Config, accept func(n int32) bool) *proxytest.Server {
	var connects atomic.Int32
	return proxytest.NewServer(t, func(c *proxytest.Conn) {
		for {
			req, err := c.ReadRequest()
			if err != nil {
				return
			}
			switch req.Header.Get("Proxy-Authorization") {
			case negotiateValue:
				negotiations.Add(1)
				c.Respond(http.StatusProxyAuthRequired, "", "Proxy-Authenticate: NTLM "+b64("chal"))
			case authValue:
				if !accept(connects.Add(1)) {
					c.Respond(http.StatusProxyAuthRequired, "", "Proxy-Authenticate: NTLM")
					return
				}
				c.Established()
				serveOrigin(c, srvCfg, nil)
				return
			default:
				c.Respond(http.StatusProxyAuthRequired, "", "Proxy-Authenticate: NTLM")
				return
			}
		}
	})
}

func TestDispatchNTLMTunnelInvalidation(t *testing.T) {
	srvCfg, pool := proxytest.NewCert(t, "origin.test")
	var negotiations atomic.Int32
	srv := tunnelNTLMProxy(t, &negotiations, srvCfg, func(n int32) bool { return n != 2 })
	m := metrics.NewCollector("test", nil)
	a := newAgent(t, ntlmConfig(srv.Addr, true), WithCodec(stubCodec{}), WithRootCAs(pool), WithMetrics(m))

	readBody(t, get(t, a, "https://origin.test/one"))

	req, _ := http.NewRequest(http.MethodGet, "https://origin.test/two", nil)
	_, err := a.RoundTrip(req)
	var te *transport.TunnelError
	if !errors.As(err, &te) || te.StatusCode != http.StatusProxyAuthRequired {
		t.Fatalf("expected a 407 TunnelError, got %v", err)
	}

	if body := readBody(t, get(t, a, "https://origin.test/three")); body != "origin origin.test/three" {
		t.Fatalf("body = %q", body)
	}
	if got := negotiations.Load(); got != 2 {
		t.Fatalf("negotiated %d times, want 2", got)
	}

	expected := `
# HELP test_ntlm_invalidations_total Cached NTLM headers dropped after the proxy rejected them.
# TYPE test_ntlm_invalidations_total counter
test_ntlm_invalidations_total 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_ntlm_invalidations_total"); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchNTLMCodecPath(t *testing.T) {
	t.Run("tunnel", func(t *testing.T) {
		srvCfg, pool := proxytest.NewCert(t, "origin.test")
		var negotiations atomic.Int32
		srv := tunnelNTLMProxy(t, &negotiations, srvCfg, func(int32) bool { return true })
		codec := &recordingCodec{}
		a := newAgent(t, ntlmConfig(srv.Addr, true), WithCodec(codec), WithRootCAs(pool))

		readBody(t, get(t, a, "https://origin.test/secure?x=1"))
		if got := codec.Paths(); len(got) != 1 || got[0] != "/secure?x=1" {
			t.Fatalf("codec paths = %q, want [/secure?x=1]", got)
		}
	})

	t.Run("plain", func(t *testing.T) {
		var negotiations atomic.Int32
		srv := plainNTLMProxy(t, &negotiations, func(c *proxytest.Conn) { c.Respond(http.StatusOK, "") })
		codec := &recordingCodec{}
		a := newAgent(t, ntlmConfig(srv.Addr, false), WithCodec(codec))

		readBody(t, get(t, a, "http://origin.test/app?y=2"))
		if got := codec.Paths(); len(got) != 1 || got[0] != "/app?y=2" {
			t.Fatalf("codec paths = %q, want [/app?y=2]", got)
		}
	})
}

func TestDispatchURLUserinfo(t *testing.T) {
	srv := proxytest.NewServer(t, func(c *proxytest.Conn) {
		if _, err := c.ReadRequest(); err != nil {
			return
		}
		c.Respond(http.StatusOK, "")
	})
	var logs bytes.Buffer
	logger, err := logging.New(logging.Config{Level: "debug", Writer: &logs})
	if err != nil {
		t.Fatal(err)
	}
	a := newAgent(t, &proxy.Config{URL: "http://user:s3cret@" + srv.Addr}, WithLogger(logger))

	readBody(t, get(t, a, "http://origin.test/"))
	if got := srv.Requests()[0].Header.Get("Proxy-Authorization"); got != "Basic "+b64("user:s3cret") {
		t.Errorf("Proxy-Authorization = %q", got)
	}
	if strings.Contains(logs.String(), "s3cret") {
		t.Errorf("password logged: %s", logs.String())
	}
	if a.Config().URL != "http://"+srv.Addr {
		t.Errorf("URL = %q, userinfo should be stripped", a.Config().URL)
	}
}

func TestNewWarnsIgnoredCredential(t *testing.T) {
	var logs bytes.Buffer
	logger, err := logging.New(logging.Config{Level: "warn", Writer: &logs})
	if err != nil {
		t.Fatal(err)
	}
	cfg := ntlmConfig("127.0.0.1:3128", false)
	cfg.Credential = "user:pass"
	newAgent(t, cfg, WithLogger(logger))

	if !strings.Contains(logs.String(), "static credential ignored") {
		t.Fatalf("no warning logged: %q", logs.String())
	}
	if strings.Contains(logs.String(), "user:pass") {
		t.Fatal("credential logged")
	}
}

func TestDispatchAlreadyDispatched(t *testing.T) {
	a := newAgent(t, &proxy.Config{URL: "http://127.0.0.1:1"})

	ctx, _ := affinity.NewContext(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://origin.test/", nil)
	if _, err := a.RoundTrip(req); !errors.Is(err, ErrAlreadyDispatched) {
		t.Fatalf("expected ErrAlreadyDispatched, got %v", err)
	}
}

func TestDispatchDecompress(t *testing.T) {
	var zipped bytes.Buffer
	zw := gzip.NewWriter(&zipped)
	zw.Write([]byte("compressed payload"))
	zw.Close()

	srv := proxytest.NewServer(t, func(c *proxytest.Conn) {
		if _, err := c.ReadRequest(); err != nil {
			return
		}
		c.Respond(http.StatusOK, zipped.String(), "Content-Encoding: gzip")
	})
	a := newAgent(t, &proxy.Config{URL: "http://" + srv.Addr, Decompress: true})

	resp := get(t, a, "http://origin.test/")
	if body := readBody(t, resp); body != "compressed payload" {
		t.Fatalf("body = %q", body)
	}
	if ae := srv.Requests()[0].Header.Get("Accept-Encoding"); ae == "" {
		t.Fatal("Accept-Encoding not sent")
	}
}

func TestDialContext(t *testing.T) {
	srv := proxytest.NewServer(t, func(c *proxytest.Conn) {
		req, err := c.ReadRequest()
		if err != nil || req.Method != http.MethodConnect {
			return
		}
		c.Established()
		io.Copy(c, c.R)
	})
	a := newAgent(t, &proxy.Config{URL: "http://" + srv.Addr, Credential: "user:pass"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := a.DialContext(ctx, "tcp", "db.internal:5432")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, "ping"); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("echo = %q, %v", buf, err)
	}

	connect := srv.Requests()[0]
	if connect.RequestURI != "db.internal:5432" || connect.Header.Get("Proxy-Authorization") != "Basic dXNlcjpwYXNz" {
		t.Fatalf("CONNECT %s auth=%q", connect.RequestURI, connect.Header.Get("Proxy-Authorization"))
	}

	if _, err := a.DialContext(ctx, "udp", "db.internal:5432"); err == nil {
		t.Fatal("expected error for udp")
	}
}

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  *proxy.Config
	}{
		{"nil", nil},
		{"no url", &proxy.Config{}},
		{"socks", &proxy.Config{URL: "socks5://127.0.0.1:1080"}},
		{"pipelined without tunnel", &proxy.Config{URL: "http://p:3128", Pipelined: true}},
		{"ntlm without user", &proxy.Config{URL: "http://p:3128", NTLM: &proxy.NTLMConfig{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewCopiesConfig(t *testing.T) {
	cfg := &proxy.Config{URL: "http://p:3128"}
	a := newAgent(t, cfg)
	cfg.URL = "http://changed:1"
	if got := a.Config().URL; got != "http://p:3128" {
		t.Fatalf("agent config follows caller: %q", got)
	}
	if cfg.Timeout != 0 {
		t.Fatal("New applied defaults to the caller's config")
	}
}
