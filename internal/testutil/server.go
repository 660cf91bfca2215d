package testutil

import (
	"context"
	"net"
	"sync"
	"testing"
)

// StartSingleAcceptServer listens on a loopback port, accepts exactly one
// connection and hands it to handler, which owns the conn until it returns.
// The returned func closes the listener and waits for handler.
//
// Tests use it to script misbehaving peers, such as a SOCKS5 proxy that
// never answers the greeting.
func StartSingleAcceptServer(t *testing.T, ctx context.Context, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		// Unblock handler when the test gives up on it.
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()

		handler(c)
	})

	wait := func() {
		_ = ln.Close()
		wg.Wait()
	}

	return ln, wait
}
