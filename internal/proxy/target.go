package proxy

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

const (
	defaultConnectPort = "443"
	defaultHTTPPort    = "80"
)

// connectTarget returns the destination of a CONNECT request. host is
// empty when the authority is missing or unusable.
func connectTarget(req *http.Request) (host, address string) {
	if req.URL == nil {
		return "", ""
	}
	return splitTarget(req.URL.Hostname(), req.URL.Port(), defaultConnectPort)
}

// forwardTarget returns the destination of a plain HTTP request, which
// must use an absolute http:// URI.
func forwardTarget(req *http.Request) (host, address string) {
	if req.URL == nil || !strings.EqualFold(req.URL.Scheme, "http") {
		return "", ""
	}
	return splitTarget(req.URL.Hostname(), req.URL.Port(), defaultHTTPPort)
}

func splitTarget(host, port, defaultPort string) (string, string) {
	if host == "" {
		return "", ""
	}
	if port == "" {
		port = defaultPort
	}
	if p, err := strconv.ParseUint(port, 10, 16); err != nil || p == 0 {
		return "", ""
	}
	return host, net.JoinHostPort(host, port)
}
