package proxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyBidirectional(t *testing.T) {
	clientA, clientB := net.Pipe()
	serverA, serverB := net.Pipe()

	type result struct {
		counts Counts
		err    error
	}
	done := make(chan result, 1)
	go func() {
		counts, err := CopyBidirectional(context.Background(), clientB, serverA)
		done <- result{counts, err}
	}()

	go func() {
		buf := make([]byte, 5)
		_, _ = io.ReadFull(serverB, buf)
		_, _ = serverB.Write([]byte("pong!!"))
	}()

	_, err := clientA.Write([]byte("ping!"))
	require.NoError(t, err)
	buf := make([]byte, 6)
	_, err = io.ReadFull(clientA, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong!!", string(buf))

	// Closing one end tears down both sides.
	require.NoError(t, clientA.Close())

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, Counts{Sent: 5, Received: 6}, r.counts)
	case <-time.After(2 * time.Second):
		t.Fatal("CopyBidirectional did not return")
	}

	_, err = serverB.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestCopyBidirectionalCancel(t *testing.T) {
	clientA, clientB := net.Pipe()
	serverA, serverB := net.Pipe()
	defer clientA.Close()
	defer serverB.Close()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := CopyBidirectional(ctx, clientB, serverA)
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("CopyBidirectional ignored cancellation")
	}
}

func TestBufferPool(t *testing.T) {
	p := newBufferPool(16)

	b := p.Get()
	assert.Len(t, b, 16)
	p.Put(b[:4])
	assert.Len(t, p.Get(), 16)

	p.Put(make([]byte, 8))
	assert.Len(t, p.Get(), 16)
}
