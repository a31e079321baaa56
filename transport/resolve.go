package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver looks up the proxy host through a specific DNS server, for hosts
// where the system resolver cannot see the proxy's name (split-horizon
// corporate DNS).
type Resolver struct {
	// Server is the DNS server's host:port.
	Server string

	client *dns.Client
}

// NewResolver returns a Resolver querying server over UDP. A server without
// a port gets :53.
func NewResolver(server string) *Resolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &Resolver{
		Server: server,
		client: &dns.Client{Net: "udp", Timeout: 5 * time.Second},
	}
}

// LookupHost returns the IPv4 addresses of host, falling back to IPv6 when
// there are none. IP literals are returned as is.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	addrs, err := r.query(ctx, host, dns.TypeA)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		addrs, err = r.query(ctx, host, dns.TypeAAAA)
		if err != nil {
			return nil, err
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("lookup %s via %s: no addresses", host, r.Server)
	}
	return addrs, nil
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]string, error) {
	c := r.client
	if c == nil {
		c = &dns.Client{Net: "udp", Timeout: 5 * time.Second}
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	in, _, err := c.ExchangeContext(ctx, m, r.Server)
	if err != nil {
		return nil, fmt.Errorf("lookup %s via %s: %w", host, r.Server, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("lookup %s via %s: %s", host, r.Server, dns.RcodeToString[in.Rcode])
	}

	var addrs []string
	for _, rr := range in.Answer {
		switch a := rr.(type) {
		case *dns.A:
			addrs = append(addrs, a.A.String())
		case *dns.AAAA:
			addrs = append(addrs, a.AAAA.String())
		}
	}
	return addrs, nil
}
