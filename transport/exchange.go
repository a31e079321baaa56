package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	http "github.com/sardanioss/http"
)

// Form selects how the request target is written on the request line.
type Form int

const (
	// OriginForm writes the path and query only ("GET /x HTTP/1.1"). Used
	// inside a tunnel, where the peer is the origin.
	OriginForm Form = iota
	// AbsoluteForm writes the full URL ("GET http://h:80/x HTTP/1.1"). Used
	// when the proxy forwards the request itself.
	AbsoluteForm
)

// maxProbeBody caps how much of a probe response body is drained before
// the connection is given up on.
const maxProbeBody = 64 << 10

var aLongTimeAgo = time.Unix(1, 0)

// Exchange writes req on conn and reads the response head. The response
// body owns conn: closing the body closes conn. On error conn is closed.
//
// Cancelling ctx interrupts any pending I/O, including body reads.
func Exchange(ctx context.Context, conn net.Conn, req *http.Request, form Form) (*http.Response, error) {
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(aLongTimeAgo) })

	resp, _, err := roundTrip(ctx, conn, req, form)
	if err != nil {
		stop()
		conn.Close()
		return nil, err
	}
	resp.Body = &connBody{ReadCloser: resp.Body, conn: conn, stop: stop}
	return resp, nil
}

// Probe writes req on conn, reads the response and discards its body so
// the same conn can carry the next request. The returned response has an
// empty body.
//
// When the response asks for the connection to be closed, conn is closed
// and reused is false. On error conn is closed.
func Probe(ctx context.Context, conn net.Conn, req *http.Request, form Form) (resp *http.Response, reused bool, err error) {
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(aLongTimeAgo) })
	defer func() {
		if !stop() && err == nil {
			// ctx fired while we were finishing; the conn deadline is spoiled.
			conn.Close()
			resp, reused, err = nil, false, ctx.Err()
		}
	}()

	resp, br, err := roundTrip(ctx, conn, req, form)
	if err != nil {
		conn.Close()
		return nil, false, err
	}

	if resp.Close {
		conn.Close()
		resp.Body.Close()
		resp.Body = http.NoBody
		return resp, false, nil
	}

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody+1))
	if err != nil || n > maxProbeBody {
		conn.Close()
		resp.Body.Close()
		resp.Body = http.NoBody
		if err != nil {
			return nil, false, ctxErr(ctx, err)
		}
		return resp, false, nil
	}
	resp.Body.Close()
	resp.Body = http.NoBody
	if br.Buffered() > 0 {
		conn.Close()
		return nil, false, fmt.Errorf("proxy sent %d unexpected bytes after %d response", br.Buffered(), resp.StatusCode)
	}
	return resp, true, nil
}

func roundTrip(ctx context.Context, conn net.Conn, req *http.Request, form Form) (*http.Response, *bufio.Reader, error) {
	var err error
	if form == AbsoluteForm {
		err = req.WriteProxy(conn)
	} else {
		err = req.Write(conn)
	}
	if err != nil {
		return nil, nil, ctxErr(ctx, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, nil, ctxErr(ctx, err)
	}
	return resp, br, nil
}

// ctxErr prefers the context's error when it caused err.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

// connBody closes the connection along with the response body.
type connBody struct {
	io.ReadCloser
	conn net.Conn
	stop func() bool
	once sync.Once
}

func (b *connBody) Close() error {
	var err error
	b.once.Do(func() {
		b.stop()
		// Close the conn first so closing the body does not drain it.
		err = b.conn.Close()
		b.ReadCloser.Close()
	})
	return err
}
