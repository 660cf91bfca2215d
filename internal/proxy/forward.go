package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/socksbridge/internal/http1"
	"github.com/die-net/socksbridge/internal/metrics"
)

// Hop-by-hop headers. These are removed when sent to the backend.
// As of RFC 7230, hop-by-hop headers are required to appear in the
// Connection header field.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardSession is one plain HTTP exchange relayed over its own upstream
// stream.
type forwardSession struct {
	s        *HTTPProxyServer
	c        *clientConn
	req      *http.Request
	order    http1.Order
	upstream net.Conn
	log      logrus.FieldLogger

	// clientGone is set when the client hung up before the exchange ended.
	clientGone atomic.Bool
}

// forward relays a plain HTTP request to address over a fresh stream and
// streams the response back. It reports whether the client connection can
// carry another request.
func (s *HTTPProxyServer) forward(c *clientConn, req *http.Request, order http1.Order, address string) bool {
	log := c.log.WithField("target", address)

	upstream, err := s.cfg.Dialer.DialContext(s.ctx, "tcp", address)
	if err != nil {
		metrics.Requests.WithLabelValues("forward", "dial_error").Inc()
		logDialError(log, err)
		keepAlive := !req.Close && drainBody(req)
		if werr := c.writeError(statusForDialError(err), nil, err.Error(), keepAlive); werr != nil {
			return false
		}
		return keepAlive
	}
	defer upstream.Close()

	stop := context.AfterFunc(s.ctx, func() {
		_ = upstream.Close()
	})
	defer stop()

	fs := &forwardSession{s: s, c: c, req: req, order: order, upstream: upstream, log: log}
	keepAlive, outcome := fs.run()
	metrics.Requests.WithLabelValues("forward", outcome).Inc()
	return keepAlive
}

func (fs *forwardSession) run() (keepAlive bool, outcome string) {
	// The request is written by its own goroutine so the response can be
	// read concurrently: upstreams may answer early, or send 100 Continue
	// before the client sends its body.
	var g errgroup.Group
	bodyDone := make(chan struct{})
	g.Go(func() error {
		defer close(bodyDone)
		return fs.writeRequest()
	})

	var stopping atomic.Bool
	stopWatch := make(chan struct{})
	watchDone := make(chan struct{})
	go fs.watchClient(bodyDone, stopWatch, watchDone, &stopping)

	keepAlive, outcome = fs.relayResponse()

	// The upstream is finished with. Interrupt any read still pending on
	// the client: the request body if the upstream answered early, or the
	// hang-up watcher. An unfinished body leaves the client connection in
	// an unknown state.
	_ = fs.upstream.Close()
	stopping.Store(true)
	close(stopWatch)
	select {
	case <-bodyDone:
	default:
		keepAlive = false
	}
	_ = fs.c.conn.SetReadDeadline(aLongTimeAgo)
	<-watchDone
	if err := g.Wait(); err != nil {
		fs.log.WithError(err).Debug("write request to upstream")
		keepAlive = false
	}
	_ = fs.c.conn.SetReadDeadline(time.Time{})

	if fs.clientGone.Load() {
		keepAlive = false
	}

	return keepAlive, outcome
}

// watchClient waits for the request to be fully sent, then watches the idle
// client connection for a hang-up while the upstream has yet to finish
// answering. A hang-up closes the upstream stream so a silent target cannot
// hold it open. Pipelined bytes from the client end the watch.
func (fs *forwardSession) watchClient(bodyDone, stop <-chan struct{}, done chan<- struct{}, stopping *atomic.Bool) {
	defer close(done)

	select {
	case <-bodyDone:
	case <-stop:
		return
	}

	if _, err := fs.c.r.BufReader().Peek(1); err != nil && !stopping.Load() {
		fs.clientGone.Store(true)
		fs.log.WithError(err).Debug("client hung up before the response completed")
		_ = fs.upstream.Close()
	}
}

// writeRequest sends the request head in origin-form followed by the body
// with its original framing.
func (fs *forwardSession) writeRequest() error {
	req := fs.req

	h := req.Header.Clone()
	removeHopByHop(h)
	h.Set("Host", req.URL.Host)
	if fs.s.cfg.UpstreamAuthorization != "" {
		h.Set("Authorization", fs.s.cfg.UpstreamAuthorization)
	}
	chunked := slices.Contains(req.TransferEncoding, "chunked")
	if chunked {
		h.Set("Transfer-Encoding", "chunked")
		if len(req.Trailer) > 0 {
			h.Set("Trailer", trailerNames(req.Trailer))
		}
	}
	h.Set("Connection", "close")

	bw := bufio.NewWriter(fs.upstream)
	if err := http1.WriteRequestHead(bw, req.Method, req.URL.RequestURI(), 1, 1, h, fs.order); err != nil {
		return err
	}

	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)

	switch {
	case chunked:
		_, err := http1.WriteChunked(bw, req.Body, func() http.Header { return req.Trailer }, buf)
		return err
	case req.ContentLength > 0:
		if err := bw.Flush(); err != nil {
			return err
		}
		if _, err := io.CopyBuffer(fs.upstream, req.Body, buf); err != nil {
			return err
		}
		return nil
	default:
		return bw.Flush()
	}
}

// relayResponse reads the upstream response and streams it to the client.
func (fs *forwardSession) relayResponse() (keepAlive bool, outcome string) {
	req := fs.req
	c := fs.c
	ur := http1.NewReader(fs.upstream)

	var (
		resp  *http.Response
		order http1.Order
		err   error
	)
	for {
		resp, order, err = ur.ReadResponse(req)
		if err != nil {
			if fs.clientGone.Load() {
				return false, "aborted"
			}
			fs.log.WithError(err).Warn("read upstream response")
			_ = c.writeError(http.StatusBadGateway, nil, fmt.Sprintf("bad response from upstream: %v", err), false)
			return false, "upstream_error"
		}
		if resp.StatusCode >= 200 || resp.StatusCode == http.StatusSwitchingProtocols {
			break
		}

		// Interim responses only go to clients that understand them.
		if req.ProtoAtLeast(1, 1) {
			removeHopByHop(resp.Header)
			if err := fs.writeHead(resp, order); err != nil {
				return false, "aborted"
			}
			if err := c.bw.Flush(); err != nil {
				return false, "aborted"
			}
		}
	}
	defer resp.Body.Close()

	h := resp.Header
	removeHopByHop(h)

	chunked := slices.Contains(resp.TransferEncoding, "chunked")
	closeDelimited := false
	switch {
	case !bodyAllowed(req, resp):
		if chunked && req.ProtoAtLeast(1, 1) {
			h.Set("Transfer-Encoding", "chunked")
		}
	case chunked && req.ProtoAtLeast(1, 1):
		h.Set("Transfer-Encoding", "chunked")
		if len(resp.Trailer) > 0 {
			h.Set("Trailer", trailerNames(resp.Trailer))
		}
	case chunked, resp.ContentLength < 0:
		// HTTP/1.0 clients can't decode chunks, and bodies without a
		// length end when the connection does.
		closeDelimited = true
	}

	keepAlive = !req.Close && !closeDelimited && resp.StatusCode != http.StatusSwitchingProtocols
	if !keepAlive {
		h.Set("Connection", "close")
	}

	if err := fs.writeHead(resp, order); err != nil {
		return false, "aborted"
	}

	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)

	switch {
	case !bodyAllowed(req, resp):
		err = c.bw.Flush()
	case chunked && !closeDelimited:
		_, err = http1.WriteChunked(c.bw, resp.Body, func() http.Header { return resp.Trailer }, buf)
	default:
		if err = c.bw.Flush(); err == nil {
			_, err = io.CopyBuffer(flushWriter{c.bw}, resp.Body, buf)
		}
		if err == nil {
			err = c.bw.Flush()
		}
	}
	if err != nil {
		// The head is out; all that is left is to drop the connection.
		fs.log.WithError(err).Debug("relay response body")
		return false, "aborted"
	}

	return keepAlive, "ok"
}

func (fs *forwardSession) writeHead(resp *http.Response, order http1.Order) error {
	return http1.WriteResponseHead(fs.c.bw, 1, 1, resp.StatusCode, http1.Reason(resp.Status), resp.Header, order)
}

// bodyAllowed reports whether resp, answering req, carries a body.
func bodyAllowed(req *http.Request, resp *http.Response) bool {
	if req.Method == http.MethodHead {
		return false
	}
	switch {
	case resp.StatusCode >= 100 && resp.StatusCode <= 199:
		return false
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotModified:
		return false
	}
	return true
}

// removeHopByHop deletes hop-by-hop headers, including those named in
// Connection.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = textproto.TrimString(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func trailerNames(t http.Header) string {
	names := make([]string, 0, len(t))
	for k := range t {
		names = append(names, k)
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}

// flushWriter flushes after every write so streamed bodies are not held
// back by the client write buffer.
type flushWriter struct {
	w *bufio.Writer
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.w.Flush()
}
