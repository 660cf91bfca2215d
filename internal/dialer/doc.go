// Package dialer provides the outbound dialers used by socksbridge.
//
// Every target connection is made through an upstream SOCKS5 proxy
// (SOCKS5ProxyDialer); the proxy itself is reached with a plain TCP dial
// (directDialer). Dialers implement a small interface (DialContext) so the
// HTTP front-end can be tested against any stream source.
package dialer
