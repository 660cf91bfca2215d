// Package proxy implements the client-facing HTTP/1.1 proxy server.
//
// It contains the connection front-end (accept loop and per-connection
// request loop), the CONNECT tunnel, the plain HTTP forwarding path, and
// shared connection plumbing such as keepalive listeners and bidirectional
// copy. Every outbound stream is obtained from a dialer.Dialer.
package proxy
