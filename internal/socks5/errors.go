package socks5

import (
	"errors"
	"fmt"

	txsocks5 "github.com/txthinking/socks5"
)

var (
	// ErrUpstreamUnreachable is returned when the TCP connection to the
	// SOCKS5 proxy itself cannot be established.
	ErrUpstreamUnreachable = errors.New("socks5 upstream unreachable")

	// ErrAuthRejected is returned when the proxy refuses the
	// username/password subnegotiation.
	ErrAuthRejected = errors.New("socks5 authentication rejected")

	// ErrNoAcceptableMethod is returned when the proxy selects a method we
	// did not offer or cannot perform.
	ErrNoAcceptableMethod = errors.New("socks5 no acceptable authentication method")

	// ErrProtocol marks a malformed message from the proxy.
	ErrProtocol = errors.New("socks5 protocol error")
)

// ReplyError is a CONNECT reply with a non-success code.
type ReplyError struct {
	Code byte
}

func (e *ReplyError) Error() string {
	return "socks5 connect failed: " + ReplyReason(e.Code)
}

// ReplyReason returns the RFC 1928 description of a reply code.
func ReplyReason(code byte) string {
	switch code {
	case txsocks5.RepSuccess:
		return "succeeded"
	case txsocks5.RepServerFailure:
		return "general SOCKS server failure"
	case txsocks5.RepNotAllowed:
		return "connection not allowed by ruleset"
	case txsocks5.RepNetworkUnreachable:
		return "network unreachable"
	case txsocks5.RepHostUnreachable:
		return "host unreachable"
	case txsocks5.RepConnectionRefused:
		return "connection refused"
	case txsocks5.RepTTLExpired:
		return "TTL expired"
	case txsocks5.RepCommandNotSupported:
		return "command not supported"
	case txsocks5.RepAddressNotSupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("unknown reply code %d", code)
	}
}

// Reason returns a short, low-cardinality label for err, suitable for
// metrics and log fields.
func Reason(err error) string {
	var re *ReplyError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &re):
		return "connect_failed"
	case errors.Is(err, ErrUpstreamUnreachable):
		return "upstream_unreachable"
	case errors.Is(err, ErrAuthRejected):
		return "auth_rejected"
	case errors.Is(err, ErrNoAcceptableMethod):
		return "no_acceptable_method"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	default:
		return "io"
	}
}
