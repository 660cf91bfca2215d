// Package access decides whether an inbound proxy request may proceed.
//
// A Gate is built once from the client-facing Basic credential and the
// destination allowlist, and is then shared read-only by every connection.
package access
