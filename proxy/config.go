// Package proxy describes the forward proxy an agent talks to and loads that
// description from YAML files, URLs and the environment.
package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sardanioss/proxyagent/fingerprint"
)

// Config is the proxy an agent routes through. Build it with FromURL or
// Load, or fill it in and call ApplyDefaults and Validate.
type Config struct {
	// URL is the proxy address, http://host[:port] or https://host[:port].
	URL string `yaml:"url"`

	// Credential is a static Basic secret, "user:password" or its base64
	// form. Userinfo in URL is moved here by ApplyDefaults unless Credential
	// is already set.
	Credential string `yaml:"credential,omitempty"`

	// Tunnel sends every request through a CONNECT tunnel and speaks TLS to
	// the origin end to end.
	Tunnel bool `yaml:"tunnel"`

	// NTLM enables challenge-response authentication with the proxy. It
	// takes precedence over Credential.
	NTLM *NTLMConfig `yaml:"ntlm,omitempty"`

	// Timeout bounds dialing the proxy and waiting for its CONNECT answer.
	Timeout time.Duration `yaml:"timeout"`

	// Preset names the TLS ClientHello used inside tunnels.
	Preset string `yaml:"preset,omitempty"`

	// Pipelined writes CONNECT and the ClientHello together.
	Pipelined bool `yaml:"pipelined"`

	// InsecureSkipVerify disables certificate checks for the proxy and the
	// origin. Testing only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// DNSServer resolves the proxy host instead of the system resolver.
	DNSServer string `yaml:"dns_server,omitempty"`

	// Decompress asks for compressed responses and decodes them.
	Decompress bool `yaml:"decompress"`

	// ReauthAfter forces a new NTLM negotiation once the cached header is
	// this old. Zero keeps it until the proxy rejects it.
	ReauthAfter time.Duration `yaml:"reauth_after"`

	// KeyLogFile receives TLS secrets in NSS key log format. SSLKEYLOGFILE
	// is used when empty.
	KeyLogFile string `yaml:"key_log_file,omitempty"`
}

// NTLMConfig is the NTLM principal.
type NTLMConfig struct {
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Domain      string `yaml:"domain,omitempty"`
	Workstation string `yaml:"workstation,omitempty"`

	// HeaderScope is "proxy" (407 / Proxy-Authorization) or "origin"
	// (401 / Authorization).
	HeaderScope string `yaml:"header_scope,omitempty"`
}

// Endpoint is the parsed proxy address.
type Endpoint struct {
	Scheme string
	Host   string
	Port   string
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, e.Port)
}

// TLS reports whether the agent speaks TLS to the proxy itself.
func (e Endpoint) TLS() bool {
	return e.Scheme == "https"
}

// Endpoint parses URL. A missing port defaults to 80 for http and 443 for
// https.
func (c *Config) Endpoint() (Endpoint, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse proxy url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https":
	case "":
		return Endpoint{}, fmt.Errorf("proxy url %q has no scheme", c.URL)
	default:
		return Endpoint{}, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("proxy url %q has no host", c.URL)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return Endpoint{}, fmt.Errorf("invalid proxy port %q", port)
	}
	return Endpoint{Scheme: scheme, Host: host, Port: port}, nil
}

// FromURL builds a Config from a proxy URL. Userinfo becomes the static
// credential and is removed from the stored URL.
func FromURL(raw string) (*Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	cfg := &Config{URL: u.String()}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	cp := *c
	if c.NTLM != nil {
		n := *c.NTLM
		cp.NTLM = &n
	}
	return &cp
}

// Redacted returns URL and auth mode for logging, without secrets.
func (c *Config) Redacted() string {
	mode := "none"
	switch {
	case c.NTLM != nil:
		mode = "ntlm"
	case c.Credential != "":
		mode = "basic"
	}
	addr := "<invalid url>"
	if u, err := url.Parse(c.URL); err == nil {
		u.User = nil
		addr = u.String()
	}
	return fmt.Sprintf("%s (auth=%s tunnel=%t)", addr, mode, c.Tunnel)
}

// DefaultTimeout is used when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// ApplyDefaults fills zero fields and moves userinfo out of URL.
func ApplyDefaults(cfg *Config) {
	moveUserinfo(cfg)
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Preset == "" {
		cfg.Preset = string(fingerprint.Golang)
	}
	if cfg.NTLM != nil && cfg.NTLM.HeaderScope == "" {
		cfg.NTLM.HeaderScope = "proxy"
	}
}

// moveUserinfo strips user:password from URL. It becomes the credential
// when none is set; an explicit Credential wins.
func moveUserinfo(cfg *Config) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.User == nil {
		return
	}
	if cfg.Credential == "" {
		if pw, ok := u.User.Password(); ok {
			cfg.Credential = u.User.Username() + ":" + pw
		} else {
			cfg.Credential = u.User.Username()
		}
	}
	u.User = nil
	cfg.URL = u.String()
}
