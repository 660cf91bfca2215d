package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/die-net/socksbridge/internal/http1"
	"github.com/die-net/socksbridge/internal/metrics"
	"github.com/die-net/socksbridge/internal/socks5"
)

// tunnel handles an authorized CONNECT request. The client connection is
// consumed either way: on a dial failure it gets an error response and is
// closed, otherwise it carries raw bytes until the tunnel ends.
func (s *HTTPProxyServer) tunnel(c *clientConn, req *http.Request, address string) {
	log := c.log.WithField("target", address)

	serverConn, err := s.cfg.Dialer.DialContext(s.ctx, "tcp", address)
	if err != nil {
		metrics.Requests.WithLabelValues("connect", "dial_error").Inc()
		logDialError(log, err)
		_ = c.writeError(statusForDialError(err), nil, err.Error(), false)
		return
	}
	defer serverConn.Close()

	if err := http1.WriteResponseHead(c.bw, 1, 1, http.StatusOK, "Connection established", nil, nil); err != nil {
		return
	}
	if err := c.bw.Flush(); err != nil {
		log.WithError(err).Debug("write connect response")
		return
	}
	metrics.Requests.WithLabelValues("connect", "ok").Inc()

	// Anything the client pipelined behind the CONNECT head is already in
	// the read buffer and belongs to the tunnel.
	var clientR io.Reader = c.conn
	if br := c.r.BufReader(); br.Buffered() > 0 {
		clientR = io.MultiReader(io.LimitReader(br, int64(br.Buffered())), c.conn)
	}

	metrics.Tunnels.Inc()
	defer metrics.Tunnels.Dec()

	counts, err := copyBidirectional(s.ctx, clientR, c.conn, serverConn)

	metrics.TunnelBytes.WithLabelValues("upstream").Add(float64(counts.Sent))
	metrics.TunnelBytes.WithLabelValues("downstream").Add(float64(counts.Received))

	entry := log.WithFields(logrus.Fields{"sent": counts.Sent, "received": counts.Received})
	if err != nil && !isClosedConnError(err) {
		entry = entry.WithError(err)
	}
	entry.Debug("tunnel closed")
}

// logDialError logs a failure to obtain an upstream stream with the SOCKS5
// reason attached.
func logDialError(log logrus.FieldLogger, err error) {
	log.WithError(err).WithField("reason", socks5.Reason(err)).Warn("upstream dial failed")
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
