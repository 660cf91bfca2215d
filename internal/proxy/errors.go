package proxy

import (
	"errors"
	"net/http"

	"github.com/die-net/socksbridge/internal/socks5"
)

// statusForDialError maps a failure to obtain an upstream stream to the
// status sent to the client.
func statusForDialError(err error) int {
	if errors.Is(err, socks5.ErrProtocol) {
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}
