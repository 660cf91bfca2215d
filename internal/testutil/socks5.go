package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
)

// SOCKS5Server is a scriptable SOCKS5 upstream for tests.
//
// The zero value accepts no-auth clients and answers every CONNECT with a
// success reply without dialing anything.
type SOCKS5Server struct {
	// Username and Password, when Username is set, require RFC 1929
	// subnegotiation.
	Username string
	Password string

	// RawNegotiationReply, when non-nil, is written verbatim in place of the
	// method selection reply and the handshake ends there.
	RawNegotiationReply []byte

	// ConnectReply, when non-zero, is returned as the CONNECT reply code.
	ConnectReply byte

	// Relay dials the requested destination and copies bytes both ways.
	Relay bool

	// Requests, when non-nil, receives every CONNECT request read. Sends
	// never block.
	Requests chan *txsocks5.Request
}

// Serve handles one client connection. It does not close c.
func (s *SOCKS5Server) Serve(ctx context.Context, c net.Conn) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(c)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if s.RawNegotiationReply != nil {
		_, err := c.Write(s.RawNegotiationReply)
		return err
	}

	if err := s.negotiate(c, neg.Methods); err != nil {
		return err
	}

	req, err := txsocks5.NewRequestFrom(c)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	if s.Requests != nil {
		select {
		case s.Requests <- req:
		default:
		}
	}

	if req.Cmd != txsocks5.CmdConnect {
		_, _ = newZeroAddrReply(txsocks5.RepCommandNotSupported, req.Atyp).WriteTo(c)
		return nil
	}
	if s.ConnectReply != txsocks5.RepSuccess {
		_, _ = newZeroAddrReply(s.ConnectReply, req.Atyp).WriteTo(c)
		return nil
	}
	if !s.Relay {
		_, err := newZeroAddrReply(txsocks5.RepSuccess, txsocks5.ATYPIPv4).WriteTo(c)
		return err
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		_, _ = newZeroAddrReply(txsocks5.RepHostUnreachable, req.Atyp).WriteTo(c)
		return nil
	}
	defer dst.Close()

	if err := writeSuccessReply(c, dst.LocalAddr()); err != nil {
		return err
	}

	go func() {
		_, _ = io.Copy(dst, c)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)

	return nil
}

func (s *SOCKS5Server) negotiate(c net.Conn, methods []byte) error {
	if s.Username != "" {
		if !containsMethod(methods, txsocks5.MethodUsernamePassword) {
			writeNoAcceptableMethods(c)
			return errors.New("client does not support username/password")
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(c); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}

		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(c)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if string(urq.Uname) != s.Username || string(urq.Passwd) != s.Password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(c)
			return errors.New("auth failed")
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		return nil
	}

	if !containsMethod(methods, txsocks5.MethodNone) {
		writeNoAcceptableMethods(c)
		return errors.New("client does not support no-auth")
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(c); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// StartSOCKS5Server serves s on a loopback listener until the test ends.
func StartSOCKS5Server(t *testing.T, ctx context.Context, s *SOCKS5Server) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Go(func() {
				defer c.Close()
				_ = s.Serve(ctx, c)
			})
		}
	})

	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})

	return ln
}

func writeSuccessReply(conn net.Conn, localAddr net.Addr) error {
	a, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return fmt.Errorf("parse local address %q: %w", localAddr.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func writeNoAcceptableMethods(conn net.Conn) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
