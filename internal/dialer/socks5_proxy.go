package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/die-net/socksbridge/internal/metrics"
	"github.com/die-net/socksbridge/internal/socks5"
)

// aLongTimeAgo is a deadline in the past, used to abort blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

// SOCKS5ProxyDialer dials outbound TCP connections through a SOCKS5 proxy.
//
// Every DialContext opens a new TCP connection to the proxy and performs a
// full handshake on it; nothing is pooled or shared between callers.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	auth      *socks5.Auth
	direct    Dialer
	resolver  *Resolver
}

// NewSOCKS5ProxyDialer constructs a dialer for the proxy at proxyAddr. A nil
// auth offers only the no-authentication method.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr string, auth *socks5.Auth) *SOCKS5ProxyDialer {
	d := &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		auth:      auth,
		direct:    NewDirectDialer(cfg),
	}
	if cfg.DNSServer != "" {
		d.resolver = NewResolver(cfg.DNSServer, cfg.NegotiationTimeout)
	}
	return d
}

// ProxyAddr returns the proxy host:port.
func (f *SOCKS5ProxyDialer) ProxyAddr() string {
	return f.proxyAddr
}

// DialContext returns a stream to address through the proxy.
//
// Failures to reach the proxy wrap socks5.ErrUpstreamUnreachable; handshake
// failures carry the socks5 error taxonomy. If NegotiationTimeout is set, a
// deadline is applied during the handshake and cleared before returning.
// Canceling ctx aborts a handshake in progress.
func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	start := time.Now()
	c, err := f.dial(ctx, address)
	outcome := "ok"
	if err != nil {
		outcome = socks5.Reason(err)
		metrics.UpstreamErrors.WithLabelValues(outcome).Inc()
	}
	metrics.DialDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	return c, err
}

func (f *SOCKS5ProxyDialer) dial(ctx context.Context, address string) (net.Conn, error) {
	if f.resolver != nil {
		resolved, err := f.resolver.ResolveAddress(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy dial %s: %w", address, err)
		}
		address = resolved
	}

	c, err := f.direct.DialContext(ctx, "tcp", f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", socks5.ErrUpstreamUnreachable, err)
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(aLongTimeAgo)
	})

	err = socks5.ClientDial(c, f.auth, address)

	if !stop() {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s: %w", address, context.Cause(ctx))
	}
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s: %w", address, err)
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Time{})
	}
	return c, nil
}
