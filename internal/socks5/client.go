package socks5

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

// Auth is a username/password credential for RFC 1929 subnegotiation.
type Auth struct {
	Username string
	Password string
}

// Validate reports whether a can be encoded in a subnegotiation request.
func (a *Auth) Validate() error {
	if a == nil {
		return nil
	}
	if len(a.Username) == 0 || len(a.Username) > 255 {
		return errors.New("socks5 username must be 1-255 bytes")
	}
	if len(a.Password) > 255 {
		return errors.New("socks5 password must be at most 255 bytes")
	}
	return nil
}

// ClientDial runs method negotiation and a CONNECT to address over conn.
// On success conn is a stream to address; the bound address in the reply is
// discarded. A nil auth offers only the no-authentication method.
func ClientDial(conn net.Conn, auth *Auth, address string) error {
	if err := ClientNegotiate(conn, auth); err != nil {
		return err
	}
	return ClientConnect(conn, address)
}

func ClientNegotiate(conn net.Conn, auth *Auth) error {
	methods := []byte{txsocks5.MethodNone}
	if auth != nil {
		if err := auth.Validate(); err != nil {
			return err
		}
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return readError("negotiation", err)
	}
	if neg.Ver != txsocks5.Ver {
		return fmt.Errorf("%w: negotiation version %d", ErrProtocol, neg.Ver)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if auth == nil {
			return fmt.Errorf("%w: server requires username/password", ErrNoAcceptableMethod)
		}

		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(conn); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			return readError("userpass", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return fmt.Errorf("%w: status %d", ErrAuthRejected, rep.Status)
		}
		return nil
	default:
		return fmt.Errorf("%w: server selected method %d", ErrNoAcceptableMethod, neg.Method)
	}
}

func ClientConnect(conn net.Conn, address string) error {
	atyp, dstAddr, dstPort, err := ParseAddress(address)
	if err != nil {
		return err
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(conn); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return readError("reply", err)
	}
	if rep.Ver != txsocks5.Ver {
		return fmt.Errorf("%w: reply version %d", ErrProtocol, rep.Ver)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return &ReplyError{Code: rep.Rep}
	}
	return nil
}

// ParseAddress splits a host:port into the CONNECT address type, address
// bytes and big-endian port. The address type follows the literal form of
// host: IPv4, IPv6, or a domain name to be resolved by the proxy.
func ParseAddress(address string) (atyp byte, addr, port []byte, err error) {
	host, p, err := net.SplitHostPort(address)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("parse address: %w", err)
	}
	if host == "" {
		return 0, nil, nil, fmt.Errorf("parse address %q: empty host", address)
	}
	if _, err := strconv.ParseUint(p, 10, 16); err != nil {
		return 0, nil, nil, fmt.Errorf("parse address %q: invalid port", address)
	}
	if net.ParseIP(host) == nil && len(host) > 255 {
		return 0, nil, nil, fmt.Errorf("parse address: domain name longer than 255 bytes")
	}

	atyp, addr, port, err = txsocks5.ParseAddress(address)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("parse address: %w", err)
	}
	// NewRequest prepends the length byte for domain names itself.
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	return atyp, addr, port, nil
}

// readError separates transport failures from malformed server messages.
func readError(what string, err error) error {
	var ne net.Error
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) || errors.As(err, &ne) {
		return fmt.Errorf("read %s: %w", what, err)
	}
	return fmt.Errorf("%w: read %s: %w", ErrProtocol, what, err)
}
