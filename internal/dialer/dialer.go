package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/die-net/socksbridge/internal/socks5"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New parses upstream and constructs the SOCKS5 dialer for it.
//
// Supported forms:
//   - socks5://[user:pass@]host[:port]
//   - socks5h://[user:pass@]host[:port]
//
// Both send domain names to the proxy for remote resolution unless
// cfg.DNSServer is set. The port defaults to 1080. A non-nil auth takes
// precedence over credentials in the URL.
func New(cfg Config, upstream string, auth *socks5.Auth) (Dialer, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid URL: path should be empty")
	}

	switch u.Scheme {
	case "":
		return nil, errors.New("invalid url: missing scheme")
	case "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, errors.New("invalid url: missing host")
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(host, "1080")
	}

	if auth == nil && u.User != nil {
		pass, _ := u.User.Password()
		auth = &socks5.Auth{Username: u.User.Username(), Password: pass}
	}
	if err := auth.Validate(); err != nil {
		return nil, err
	}

	return NewSOCKS5ProxyDialer(cfg, u.Host, auth), nil
}
