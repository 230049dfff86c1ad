// Package daemon provides the client surface of the privileged request
// router: request kinds and a connect call that returns a channel already
// routed to the matching handler.
package daemon

import (
	"fmt"

	"github.com/criyle/go-zygisk/pkg/unixsocket"
)

// Request tags one request kind on the control channel
type Request int32

// Request kinds exchanged with the router
const (
	// Setup requests the full injection payload
	Setup Request = iota
	// Passthrough requests a plain replacement image
	Passthrough
	// Companion requests dispatch to a loaded module
	Companion
)

func (r Request) String() string {
	switch r {
	case Setup:
		return "setup"
	case Passthrough:
		return "passthrough"
	case Companion:
		return "companion"
	}
	return fmt.Sprintf("request(%d)", int32(r))
}

// SocketPath is the abstract router endpoint, variable to allow tests and
// alternative layouts to redirect it
var SocketPath = "/dev/socket/zygiskd"

// ConnectFunc opens a channel to the router for one request kind
type ConnectFunc func(Request) (*unixsocket.Socket, error)

// Connect dials the router and writes the request-kind tag, the returned
// channel is positioned for the kind-specific exchange
func Connect(req Request) (*unixsocket.Socket, error) {
	s, err := unixsocket.Dial(SocketPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: connect %s: %v", req, err)
	}
	if err := s.WriteInt(int32(req)); err != nil {
		s.Close()
		return nil, fmt.Errorf("daemon: connect %s: %v", req, err)
	}
	return s, nil
}

// RequestCompanion opens a channel to a module's companion entry point. The
// router transfers this connection to the architecture daemon, which reads
// the module index written here and dispatches the matching handler.
func RequestCompanion(moduleID int32) (*unixsocket.Socket, error) {
	s, err := Connect(Companion)
	if err != nil {
		return nil, err
	}
	if err := s.WriteInt(moduleID); err != nil {
		s.Close()
		return nil, fmt.Errorf("daemon: companion request: %v", err)
	}
	return s, nil
}
