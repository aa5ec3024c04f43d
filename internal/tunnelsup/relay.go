// Package tunnelsup implements the Tunnel Supervisor (spec.md §4.F): the
// authenticated relay connection state machine, backoff, identity
// management, and tag reconciliation.
package tunnelsup

import (
	"context"
	"net"

	"github.com/freitascorp/gatewayd/internal/model"
)

// Relay is the external tunnel relay collaborator (spec.md §6). The relay
// is assumed to persist host tokens, perform TLS, and surface a connection
// stream as an async byte duplex.
type Relay interface {
	AddPortDirect(ctx context.Context, port uint16) (<-chan net.Conn, error)
	AddPortTCP(port uint16, privacy model.PortPrivacy, protocol model.PortProtocol) error
	RemovePort(port uint16) error
	GetPortFormat() string
	Status() model.Status
	// Done is closed when the relay connection has dropped, signalling the
	// supervisor to re-enter the Faulted state.
	Done() <-chan struct{}
	Close() error
}
