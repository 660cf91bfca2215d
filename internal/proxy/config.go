package proxy

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/socksbridge/internal/access"
	"github.com/die-net/socksbridge/internal/dialer"
)

type Config struct {
	// Dialer opens streams to targets, normally through the SOCKS5 upstream.
	Dialer dialer.Dialer

	// Gate authorizes requests. Nil allows everything.
	Gate *access.Gate

	// UpstreamAuthorization, when set, is sent as the Authorization header
	// of every forwarded plain HTTP request.
	UpstreamAuthorization string

	// NegotiationTimeout bounds reading a request head once its first byte
	// has arrived. Zero means no limit.
	NegotiationTimeout time.Duration

	// HTTPIdleTimeout bounds the wait for the next request on a kept-alive
	// client connection. Zero means no limit.
	HTTPIdleTimeout time.Duration

	// MaxConns limits concurrently served client connections. Zero means no
	// limit.
	MaxConns int

	Log logrus.FieldLogger
}
