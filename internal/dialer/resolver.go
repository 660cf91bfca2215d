package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/socksbridge/internal/metrics"
)

const (
	minCacheTTL = 5 * time.Second
	maxCacheTTL = 10 * time.Minute
)

// Resolver looks up target names against a single DNS server, caching
// answers for their TTL. Concurrent lookups of the same name share one query.
type Resolver struct {
	server string
	client *dns.Client
	cache  *cache.Cache
	group  singleflight.Group
}

// NewResolver returns a Resolver querying server over UDP. A server without
// a port uses 53. A zero timeout uses the miekg/dns default.
func NewResolver(server string, timeout time.Duration) *Resolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
		cache:  cache.New(time.Minute, 5*time.Minute),
	}
}

// ResolveAddress replaces a domain name in a host:port with an IP literal.
// Addresses that already hold an IP are returned unchanged.
func (r *Resolver) ResolveAddress(ctx context.Context, address string) (string, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", address, err)
	}
	if net.ParseIP(host) != nil {
		return address, nil
	}

	ip, err := r.LookupIP(ctx, host)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(ip.String(), port), nil
}

// LookupIP returns the first A record for host, falling back to AAAA.
func (r *Resolver) LookupIP(ctx context.Context, host string) (net.IP, error) {
	name := strings.ToLower(dns.Fqdn(host))

	if v, ok := r.cache.Get(name); ok {
		metrics.DNSLookups.WithLabelValues("hit").Inc()
		return v.(net.IP), nil
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		ip, ttl, err := r.exchange(ctx, name, dns.TypeA)
		if err == nil && ip == nil {
			ip, ttl, err = r.exchange(ctx, name, dns.TypeAAAA)
		}
		if err != nil {
			return nil, err
		}
		if ip == nil {
			return nil, fmt.Errorf("resolve %s: no addresses", host)
		}
		r.cache.Set(name, ip, clampTTL(ttl))
		return ip, nil
	})
	if err != nil {
		metrics.DNSLookups.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.DNSLookups.WithLabelValues("miss").Inc()
	return v.(net.IP), nil
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (net.IP, time.Duration, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %s: %w", strings.TrimSuffix(name, "."), err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, 0, fmt.Errorf("resolve %s: %s", strings.TrimSuffix(name, "."), dns.RcodeToString[in.Rcode])
	}

	for _, rr := range in.Answer {
		ttl := time.Duration(rr.Header().Ttl) * time.Second
		switch a := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				return a.A, ttl, nil
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				return a.AAAA, ttl, nil
			}
		}
	}
	return nil, 0, nil
}

func clampTTL(ttl time.Duration) time.Duration {
	return min(max(ttl, minCacheTTL), maxCacheTTL)
}
