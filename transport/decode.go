package transport

import (
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	http "github.com/sardanioss/http"
)

// AcceptEncoding is the Accept-Encoding value sent when the agent decodes
// responses itself.
const AcceptEncoding = "gzip, deflate, br, zstd"

// DecodeBody replaces resp.Body with a reader that undoes its
// Content-Encoding. Unknown or absent encodings leave resp untouched.
func DecodeBody(resp *http.Response) error {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if enc == "" || enc == "identity" || resp.Body == nil || resp.Body == http.NoBody || resp.ContentLength == 0 {
		return nil
	}

	var (
		r   io.Reader
		rc  io.Closer
		err error
	)
	switch enc {
	case "gzip", "x-gzip":
		var gz *gzip.Reader
		gz, err = gzip.NewReader(resp.Body)
		r, rc = gz, gz
	case "deflate":
		var zr io.ReadCloser
		zr, err = zlib.NewReader(resp.Body)
		r, rc = zr, zr
	case "br":
		r = brotli.NewReader(resp.Body)
	case "zstd":
		var zd *zstd.Decoder
		zd, err = zstd.NewReader(resp.Body)
		if err == nil {
			r, rc = zd, zd.IOReadCloser()
		}
	default:
		return nil
	}
	if err != nil {
		return err
	}

	resp.Body = &decodedBody{Reader: r, dec: rc, body: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

type decodedBody struct {
	io.Reader
	dec  io.Closer
	body io.ReadCloser
}

func (d *decodedBody) Close() error {
	if d.dec != nil {
		d.dec.Close()
	}
	return d.body.Close()
}
