package dialer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/socksbridge/internal/socks5"
	"github.com/die-net/socksbridge/internal/testutil"
)

func TestSOCKS5ProxyDialerDialSuccess(t *testing.T) {
	tests := []struct {
		name string
		auth *socks5.Auth
	}{
		{name: "no_auth"},
		{name: "user_pass", auth: &socks5.Auth{Username: "user", Password: "pass"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)

			srv := &testutil.SOCKS5Server{Relay: true}
			if tt.auth != nil {
				srv.Username, srv.Password = tt.auth.Username, tt.auth.Password
			}
			upLn := testutil.StartSOCKS5Server(t, ctx, srv)

			f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: time.Second}, upLn.Addr().String(), tt.auth)

			conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
			require.NoError(t, err)
			defer conn.Close()

			testutil.AssertEcho(t, conn, conn, []byte("hello"))

			// The handshake deadline must not outlive the handshake.
			time.Sleep(1100 * time.Millisecond)
			testutil.AssertEcho(t, conn, conn, []byte("still open"))
		})
	}
}

func TestSOCKS5ProxyDialerDialContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	lc := net.ListenConfig{}
	upLn, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upLn.Close()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		c, err := upLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		// Never answer the negotiation; cancel once the client is waiting.
		buf := make([]byte, 16)
		_, _ = c.Read(buf)
		cancel()
		_, _ = c.Read(buf)
	}()

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), nil)

	start := time.Now()
	_, err = f.DialContext(ctx, "tcp", "127.0.0.1:1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)

	_ = upLn.Close()
	<-acceptDone
}

func TestSOCKS5ProxyDialerNegotiationTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		buf := make([]byte, 16)
		_, _ = c.Read(buf)
		<-ctx.Done()
	})

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: time.Second, NegotiationTimeout: 200 * time.Millisecond}, upLn.Addr().String(), nil)

	start := time.Now()
	_, err := f.DialContext(ctx, "tcp", "127.0.0.1:1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	cancel()
	waitUp()
}

func TestSOCKS5ProxyDialerDialFail(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn := testutil.StartSOCKS5Server(t, ctx, &testutil.SOCKS5Server{ConnectReply: txsocks5.RepConnectionRefused})

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), nil)

	_, err := f.DialContext(ctx, "tcp", "127.0.0.1:1")
	var re *socks5.ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, byte(txsocks5.RepConnectionRefused), re.Code)
}

func TestSOCKS5ProxyDialerUpstreamUnreachable(t *testing.T) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: time.Second}, addr, nil)

	_, err = f.DialContext(context.Background(), "tcp", "example.org:80")
	require.ErrorIs(t, err, socks5.ErrUpstreamUnreachable)
}

func TestSOCKS5ProxyDialerUnsupportedNetwork(t *testing.T) {
	f := NewSOCKS5ProxyDialer(Config{}, "127.0.0.1:1080", nil)

	_, err := f.DialContext(context.Background(), "udp", "example.org:53")
	require.Error(t, err)
}
