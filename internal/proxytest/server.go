// Package proxytest provides a scriptable fake forward proxy and TLS
// certificates for tests.
package proxytest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	http "github.com/sardanioss/http"
)

// Server is a TCP listener whose connections are handled by a test script.
type Server struct {
	Addr string

	ln     net.Listener
	handle func(*Conn)

	mu       sync.Mutex
	accepted int
	requests []*http.Request

	wg sync.WaitGroup
}

// Conn is one accepted connection with a buffered reader positioned at the
// next request.
type Conn struct {
	net.Conn
	R  *bufio.Reader
	ID int

	srv *Server
}

// NewServer starts a Server on 127.0.0.1 and stops it when the test ends.
// handle runs on its own goroutine for every accepted connection; the conn
// is closed when it returns.
func NewServer(t testing.TB, handle func(*Conn)) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{Addr: ln.Addr().String(), ln: ln, handle: handle}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		id := s.accepted
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer c.Close()
			s.handle(&Conn{Conn: c, R: bufio.NewReader(c), ID: id, srv: s})
		}()
	}
}

// Close stops accepting and waits for running handlers.
func (s *Server) Close() {
	s.ln.Close()
	s.wg.Wait()
}

// Host returns the listener's host.
func (s *Server) Host() string {
	h, _, _ := net.SplitHostPort(s.Addr)
	return h
}

// Port returns the listener's port.
func (s *Server) Port() string {
	_, p, _ := net.SplitHostPort(s.Addr)
	return p
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Requests returns every request read through Conn.ReadRequest, in order.
func (s *Server) Requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.requests...)
}

// ReadRequest reads the next request head and its body.
func (c *Conn) ReadRequest() (*http.Request, error) {
	req, err := http.ReadRequest(c.R)
	if err != nil {
		return nil, err
	}
	if req.Body != nil {
		io.Copy(io.Discard, req.Body)
		req.Body.Close()
	}
	c.srv.mu.Lock()
	c.srv.requests = append(c.srv.requests, req)
	c.srv.mu.Unlock()
	return req, nil
}

// Respond writes a response with a Content-Length body. headers are
// "Name: value" lines.
func (c *Conn) Respond(status int, body string, headers ...string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	for _, h := range headers {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n%s", len(body), body)
	_, err := c.Write([]byte(b.String()))
	return err
}

// Established answers a CONNECT with 200.
func (c *Conn) Established() error {
	_, err := c.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
	return err
}
