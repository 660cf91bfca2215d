// Package testutil holds network fixtures shared by package tests: echo
// targets, single-accept servers and a scriptable fake SOCKS5 upstream.
package testutil
