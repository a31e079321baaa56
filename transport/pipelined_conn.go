package transport

import (
	"bufio"
	"net"
	"sync"

	http "github.com/sardanioss/http"
)

// pipelinedConn sends a CONNECT request in front of the first write and
// strips the proxy's CONNECT response from the first read.
//
// Regular flow:
//
//	1. Send CONNECT
//	2. Wait for 200 (one round trip)
//	3. Send ClientHello
//	4. Wait for ServerHello (one round trip)
//
// Pipelined flow:
//
//	1. On first Write (ClientHello): send CONNECT + ClientHello together
//	2. On first Read: parse and validate the 200, return what follows it
//
// The proxy keeps the ClientHello in its receive buffer until the tunnel to
// the origin is up and then forwards it.
type pipelinedConn struct {
	net.Conn
	req     *http.Request
	connect []byte

	wmu   sync.Mutex
	wrote bool

	rmu     sync.Mutex
	r       *bufio.Reader
	readErr error
}

func newPipelinedConn(conn net.Conn, req *http.Request, connect []byte) *pipelinedConn {
	return &pipelinedConn{Conn: conn, req: req, connect: connect}
}

// Write prepends the CONNECT request to the first write.
func (c *pipelinedConn) Write(b []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.wrote {
		return c.Conn.Write(b)
	}
	c.wrote = true

	combined := make([]byte, 0, len(c.connect)+len(b))
	combined = append(combined, c.connect...)
	combined = append(combined, b...)
	if _, err := c.Conn.Write(combined); err != nil {
		return 0, &TunnelError{Op: "write", Target: c.req.Host, Err: err}
	}
	return len(b), nil
}

// Read consumes the CONNECT response on first use and returns tunnel data
// only. A non-2xx answer fails every read with a *TunnelError.
func (c *pipelinedConn) Read(b []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if c.readErr != nil {
		return 0, c.readErr
	}
	if c.r == nil {
		br := bufio.NewReader(c.Conn)
		resp, err := http.ReadResponse(br, c.req)
		if err != nil {
			c.readErr = &TunnelError{Op: "parse", Target: c.req.Host, Err: err}
			return 0, c.readErr
		}
		if resp.StatusCode/100 != 2 {
			c.readErr = &TunnelError{Op: "status", Target: c.req.Host, StatusCode: resp.StatusCode}
			return 0, c.readErr
		}
		c.r = br
	}
	return c.r.Read(b)
}

// NetConn returns the underlying connection.
func (c *pipelinedConn) NetConn() net.Conn {
	return c.Conn
}
