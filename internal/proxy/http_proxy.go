package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/die-net/socksbridge/internal/access"
	"github.com/die-net/socksbridge/internal/http1"
	"github.com/die-net/socksbridge/internal/metrics"
)

// maxDrainBytes bounds how much of an unwanted request body is read to keep
// a client connection usable after an error response.
const maxDrainBytes = 256 << 10

// aLongTimeAgo is a deadline in the past, used to abort blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

// HTTPProxyServer serves an HTTP/1.1 forward proxy whose every outbound
// stream comes from Config.Dialer.
//
// It supports:
// - HTTP CONNECT tunneling (raw bidirectional copy after a 200 response)
// - plain HTTP forwarding (the request is re-sent over a fresh stream)
//
// Each client connection is served by its own goroutine running a strict
// request/response loop.
type HTTPProxyServer struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	gate   *access.Gate
	log    logrus.FieldLogger
	sem    *semaphore.Weighted

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	closed    bool

	wg sync.WaitGroup
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
//
// Serve starts accepting connections on a listener; Close stops every
// listener, tears down live connections and waits for their goroutines.
// Canceling ctx has the same effect on connections as Close.
func NewHTTPProxyServer(ctx context.Context, cfg Config) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Gate == nil {
		cfg.Gate = access.New(access.Config{Log: cfg.Log})
	}

	h := &HTTPProxyServer{
		cfg:       cfg,
		gate:      cfg.Gate,
		log:       cfg.Log,
		listeners: make(map[net.Listener]struct{}),
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	if cfg.MaxConns > 0 {
		h.sem = semaphore.NewWeighted(int64(cfg.MaxConns))
	}
	return h
}

// Serve accepts connections on ln until Close is called or ln fails. It
// always returns a non-nil error; after Close it is http.ErrServerClosed.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	if !s.trackListener(ln) {
		return http.ErrServerClosed
	}
	defer s.untrackListener(ln)

	var tempDelay time.Duration
	for {
		if s.sem != nil {
			if err := s.sem.Acquire(s.ctx, 1); err != nil {
				return http.ErrServerClosed
			}
		}

		c, err := ln.Accept()
		if err != nil {
			if s.sem != nil {
				s.sem.Release(1)
			}
			if s.shuttingDown() {
				return http.ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = max(5*time.Millisecond, min(2*tempDelay, time.Second))
				s.log.WithError(err).Warnf("accept error; retrying in %v", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		if !s.startConn() {
			_ = c.Close()
			if s.sem != nil {
				s.sem.Release(1)
			}
			return http.ErrServerClosed
		}
		go s.handleConn(c)
	}
}

// startConn registers a connection goroutine unless Close has begun, so
// Close never waits on a WaitGroup that is still growing.
func (s *HTTPProxyServer) startConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// Close stops all listeners and closes every client connection, including
// active tunnels, then waits for their goroutines to finish.
func (s *HTTPProxyServer) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	for ln := range s.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return err
}

func (s *HTTPProxyServer) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *HTTPProxyServer) untrackListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ln)
}

func (s *HTTPProxyServer) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.ctx.Err() != nil
}

// clientConn is one accepted client connection.
type clientConn struct {
	conn net.Conn
	r    *http1.Reader
	bw   *bufio.Writer
	log  logrus.FieldLogger
}

func (s *HTTPProxyServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	if s.sem != nil {
		defer s.sem.Release(1)
	}
	defer conn.Close()

	metrics.ClientConnections.Inc()
	defer metrics.ClientConnections.Dec()

	stop := context.AfterFunc(s.ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	c := &clientConn{
		conn: conn,
		r:    http1.NewReader(conn),
		bw:   bufio.NewWriter(conn),
		log:  s.log.WithField("client", conn.RemoteAddr().String()),
	}

	for first := true; ; first = false {
		req, order, ok := s.readRequest(c, first)
		if !ok {
			return
		}
		if !s.serveRequest(c, req, order) {
			return
		}
	}
}

// readRequest waits for and parses the next request head. It answers
// malformed requests itself and reports false when the connection should
// be closed.
func (s *HTTPProxyServer) readRequest(c *clientConn, first bool) (*http.Request, http1.Order, bool) {
	if !first && s.cfg.HTTPIdleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.HTTPIdleTimeout))
		if _, err := c.r.BufReader().Peek(1); err != nil {
			return nil, nil, false
		}
	}
	if s.cfg.NegotiationTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	req, order, err := c.r.ReadRequest()
	if err != nil {
		var ne net.Error
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed), errors.As(err, &ne):
			c.log.WithError(err).Debug("client connection ended")
		case errors.Is(err, http1.ErrHeadTooLarge):
			_ = c.writeError(http.StatusRequestHeaderFieldsTooLarge, nil, "request head too large", false)
		default:
			c.log.WithError(err).Debug("malformed request")
			_ = c.writeError(http.StatusBadRequest, nil, "malformed request", false)
		}
		return nil, nil, false
	}

	_ = c.conn.SetReadDeadline(time.Time{})
	return req, order, true
}

// serveRequest runs one request through the gate and dispatches it. It
// reports whether the connection can carry another request.
func (s *HTTPProxyServer) serveRequest(c *clientConn, req *http.Request, order http1.Order) bool {
	kind := "forward"
	host, address := forwardTarget(req)
	if req.Method == http.MethodConnect {
		kind = "connect"
		host, address = connectTarget(req)
	}

	if d := s.gate.Check(req.Header, host); d != nil {
		metrics.Requests.WithLabelValues(kind, "denied").Inc()
		keepAlive := !req.Close && drainBody(req)
		if err := c.writeError(d.Status, d.Header, d.Body, keepAlive); err != nil {
			return false
		}
		return keepAlive
	}

	if kind == "connect" {
		s.tunnel(c, req, address)
		return false
	}
	return s.forward(c, req, order, address)
}

// writeError sends a small plain-text response generated by the proxy.
func (c *clientConn) writeError(status int, header http.Header, body string, keepAlive bool) error {
	body += "\r\n"

	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	if !keepAlive {
		h.Set("Connection", "close")
	}

	if err := http1.WriteResponseHead(c.bw, 1, 1, status, "", h, nil); err != nil {
		return err
	}
	if _, err := c.bw.WriteString(body); err != nil {
		return err
	}
	return c.bw.Flush()
}

// drainBody discards a small unread request body so the next request on
// the connection can be parsed. It reports false if the body was too large
// or could not be read.
func drainBody(req *http.Request) bool {
	if req.Body == nil || req.Body == http.NoBody {
		return true
	}
	n, err := io.Copy(io.Discard, io.LimitReader(req.Body, maxDrainBytes+1))
	return err == nil && n <= maxDrainBytes
}
