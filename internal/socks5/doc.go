// Package socks5 implements the client side of the SOCKS5 handshake used by
// socksbridge to reach targets through an upstream SOCKS5 proxy.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5 and
// adds the error taxonomy the HTTP front-end maps to response codes: an
// unreachable upstream, rejected credentials, no acceptable method, a
// non-success CONNECT reply (*ReplyError) and malformed server messages
// (ErrProtocol).
//
// Opening the TCP connection to the upstream is left to the caller (see
// internal/dialer), as are timeouts and cancellation.
package socks5
