// Package fingerprint selects the TLS ClientHello and the default request
// headers an agent presents to origin servers through a tunnel.
//
// Proxies only see the CONNECT request; the origin sees the ClientHello
// produced here and the headers from headers.go, so both come from the same
// preset.
package fingerprint

import (
	"fmt"
	"net"
	"strings"

	tls "github.com/sardanioss/utls"
)

// Preset names a client whose TLS handshake is reproduced.
type Preset string

const (
	// Golang uses the stock Go handshake.
	Golang  Preset = "golang"
	Chrome  Preset = "chrome"
	Firefox Preset = "firefox"
	Safari  Preset = "safari"
	Edge    Preset = "edge"
	IOS     Preset = "ios"
)

// Presets lists every supported preset.
var Presets = []Preset{Golang, Chrome, Firefox, Safari, Edge, IOS}

// ParsePreset resolves a preset name. The empty string selects Golang.
func ParsePreset(name string) (Preset, error) {
	if name == "" {
		return Golang, nil
	}
	p := Preset(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Presets {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown fingerprint preset %q", name)
}

// HelloID returns the uTLS ClientHello for the preset.
func (p Preset) HelloID() tls.ClientHelloID {
	switch p {
	case Chrome:
		return tls.HelloChrome_Auto
	case Firefox:
		return tls.HelloFirefox_Auto
	case Safari:
		return tls.HelloSafari_Auto
	case Edge:
		return tls.HelloEdge_Auto
	case IOS:
		return tls.HelloIOS_Auto
	default:
		return tls.HelloGolang
	}
}

// Client wraps conn in a uTLS client connection using the preset's
// ClientHello. ALPN is restricted to http/1.1 because the agent writes
// HTTP/1.1 on the resulting connection. The handshake is not started.
func Client(conn net.Conn, cfg *tls.Config, p Preset) (*tls.UConn, error) {
	if p == "" || p == Golang {
		c := cfg.Clone()
		c.NextProtos = []string{"http/1.1"}
		return tls.UClient(conn, c, tls.HelloGolang), nil
	}

	spec, err := tls.UTLSIdToSpec(p.HelloID())
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", p, err)
	}
	pinHTTP1(&spec)

	uconn := tls.UClient(conn, cfg, tls.HelloCustom)
	if err := uconn.ApplyPreset(&spec); err != nil {
		return nil, fmt.Errorf("fingerprint %s: apply preset: %w", p, err)
	}
	return uconn, nil
}

func pinHTTP1(spec *tls.ClientHelloSpec) {
	for _, ext := range spec.Extensions {
		switch e := ext.(type) {
		case *tls.ALPNExtension:
			e.AlpnProtocols = []string{"http/1.1"}
		case *tls.ApplicationSettingsExtension:
			e.SupportedProtocols = []string{"http/1.1"}
		}
	}
}
