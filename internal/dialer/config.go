package dialer

import (
	"net"
	"time"
)

type Config struct {
	// DialTimeout bounds the TCP connect to the SOCKS5 proxy.
	DialTimeout time.Duration
	// NegotiationTimeout bounds the SOCKS5 handshake.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	// DNSServer, when set, resolves target names locally through this server
	// and sends the proxy an IP address instead of a domain name.
	DNSServer string
}
