package proxy

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Counts holds the bytes relayed in each direction of a tunnel.
type Counts struct {
	// Sent is client to server.
	Sent int64
	// Received is server to client.
	Received int64
}

// CopyBidirectional relays bytes between client and server until either
// direction ends, then closes both. Canceling ctx closes both as well.
//
// The returned error is whatever ended the tunnel: nil for a clean EOF, the
// copy error, or the context's cause. Errors seen by the other direction
// after the tunnel was torn down are ignored.
func CopyBidirectional(ctx context.Context, client, server net.Conn) (Counts, error) {
	return copyBidirectional(ctx, client, client, server)
}

// copyBidirectional reads the client side from clientR, which lets bytes
// already buffered from the client go out first.
func copyBidirectional(ctx context.Context, clientR io.Reader, client, server net.Conn) (Counts, error) {
	var (
		counts   Counts
		once     sync.Once
		firstErr error
	)
	finish := func(err error) {
		once.Do(func() {
			firstErr = err
			_ = client.Close()
			_ = server.Close()
		})
	}

	stop := context.AfterFunc(ctx, func() {
		finish(context.Cause(ctx))
	})
	defer stop()

	var g errgroup.Group

	g.Go(func() error {
		n, err := copyBuffer(server, clientR)
		counts.Sent = n
		finish(err)
		return nil
	})

	g.Go(func() error {
		n, err := copyBuffer(client, server)
		counts.Received = n
		finish(err)
		return nil
	})

	_ = g.Wait()

	return counts, firstErr
}

func copyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)

	return io.CopyBuffer(dst, src, buf)
}
