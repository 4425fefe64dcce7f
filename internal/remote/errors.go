package remote

import (
	"errors"
	"fmt"
)

// ErrNetwork marks failures where the server could not be reached
// (no route, DNS, timeout, connection reset).
var ErrNetwork = errors.New("network unavailable")

// ServerError is a non-2xx answer from a reachable server.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server rejected request: http %d", e.StatusCode)
	}
	return fmt.Sprintf("server rejected request: http %d: %s", e.StatusCode, e.Body)
}

// FailureKind is the outcome class of a remote call.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureNetwork
	FailureServer
	// FailureLocal covers errors raised on the device before or after the
	// exchange: unreadable photo, encoding, cancelled context.
	FailureLocal
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureNetwork:
		return "network"
	case FailureServer:
		return "server"
	default:
		return "local"
	}
}

// Classify maps an error returned by Client onto a FailureKind.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, ErrNetwork) {
		return FailureNetwork
	}
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return FailureServer
	}
	return FailureLocal
}
