package dialer

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/socksbridge/internal/testutil"
)

// startDNSServer answers A queries from records and NXDOMAIN otherwise. It
// returns the server address and a counter of queries served.
func startDNSServer(t *testing.T, records map[string]string) (string, *atomic.Int32) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	var queries atomic.Int32
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			queries.Add(1)
			m := new(dns.Msg)
			m.SetReply(req)

			q := req.Question[0]
			ip, ok := records[q.Name]
			switch {
			case !ok:
				m.Rcode = dns.RcodeNameError
			case q.Qtype == dns.TypeA:
				m.Answer = append(m.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.ParseIP(ip).To4(),
				})
			}
			_ = w.WriteMsg(m)
		}),
	}

	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String(), &queries
}

func TestResolverLookupIP(t *testing.T) {
	addr, queries := startDNSServer(t, map[string]string{"target.test.": "127.0.0.1"})

	r := NewResolver(addr, time.Second)

	ip, err := r.LookupIP(context.Background(), "Target.Test")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip.String())

	// Second lookup is served from the cache.
	ip, err = r.LookupIP(context.Background(), "target.test.")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip.String())
	assert.Equal(t, int32(1), queries.Load())

	_, err = r.LookupIP(context.Background(), "missing.test")
	assert.ErrorContains(t, err, "NXDOMAIN")
}

func TestResolverResolveAddress(t *testing.T) {
	addr, _ := startDNSServer(t, map[string]string{"target.test.": "10.0.0.7"})

	r := NewResolver(addr, time.Second)

	got, err := r.ResolveAddress(context.Background(), "target.test:443")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:443", got)

	got, err = r.ResolveAddress(context.Background(), "[::1]:80")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:80", got)
}

func TestSOCKS5ProxyDialerResolvesLocally(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dnsAddr, _ := startDNSServer(t, map[string]string{"target.test.": "127.0.0.1"})
	echoLn := testutil.StartEchoTCPServer(t, ctx)
	_, port, err := net.SplitHostPort(echoLn.Addr().String())
	require.NoError(t, err)

	srv := &testutil.SOCKS5Server{Relay: true, Requests: make(chan *txsocks5.Request, 1)}
	upLn := testutil.StartSOCKS5Server(t, ctx, srv)

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: time.Second, DNSServer: dnsAddr}, upLn.Addr().String(), nil)

	conn, err := f.DialContext(ctx, "tcp", net.JoinHostPort("target.test", port))
	require.NoError(t, err)
	defer conn.Close()

	req := <-srv.Requests
	assert.Equal(t, byte(txsocks5.ATYPIPv4), req.Atyp)
	testutil.AssertEcho(t, conn, conn, []byte("resolved"))
}

func TestClampTTL(t *testing.T) {
	assert.Equal(t, minCacheTTL, clampTTL(0))
	assert.Equal(t, time.Minute, clampTTL(time.Minute))
	assert.Equal(t, maxCacheTTL, clampTTL(24*time.Hour))
}
