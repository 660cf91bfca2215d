// Package http1 reads and writes HTTP/1.x message heads without losing the
// header names as they appeared on the wire.
//
// Parsing is delegated to net/http; this package records the raw head bytes
// consumed by each parse and extracts the original header spelling and order
// from them, so a proxy can re-emit a message the way its sender wrote it.
package http1
