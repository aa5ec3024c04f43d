package tunnelsup

import (
	"github.com/freitascorp/gatewayd/internal/model"
	"github.com/freitascorp/gatewayd/internal/xerrors"
)

// RelayProxy adapts a Supervisor into portforward.Relay: the port
// forwarder needs one stable collaborator to hold across the supervisor's
// own connect/reconnect cycles, rather than being handed a fresh Relay
// every time the tunnel drops and comes back.
type RelayProxy struct {
	sup *Supervisor
}

// NewRelayProxy builds a RelayProxy bound to sup.
func NewRelayProxy(sup *Supervisor) *RelayProxy {
	return &RelayProxy{sup: sup}
}

func (p *RelayProxy) AddPortTCP(port uint16, privacy model.PortPrivacy, protocol model.PortProtocol) error {
	relay, ok := p.sup.CurrentRelay()
	if !ok {
		return xerrors.New(xerrors.Unavailable, "tunnel not connected")
	}
	return relay.AddPortTCP(port, privacy, protocol)
}

func (p *RelayProxy) RemovePort(port uint16) error {
	relay, ok := p.sup.CurrentRelay()
	if !ok {
		return xerrors.New(xerrors.Unavailable, "tunnel not connected")
	}
	return relay.RemovePort(port)
}
