package portforward

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/freitascorp/gatewayd/internal/model"
)

type call struct {
	verb     string
	port     uint16
	privacy  model.PortPrivacy
	protocol model.PortProtocol
}

type recordingRelay struct {
	mu    sync.Mutex
	calls []call
}

func (r *recordingRelay) AddPortTCP(port uint16, privacy model.PortPrivacy, protocol model.PortProtocol) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{verb: "add", port: port, privacy: privacy, protocol: protocol})
	return nil
}

func (r *recordingRelay) RemovePort(port uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{verb: "remove", port: port})
	return nil
}

func (r *recordingRelay) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func TestRegistrar_PortForwardReconcile(t *testing.T) {
	relay := &recordingRelay{}
	reg := NewRegistrar(relay, nil)

	h1 := reg.NewHandle()
	h2 := reg.NewHandle()

	require.NoError(t, h1.SetPorts([]PortEntry{{Port: 8080, Privacy: model.Private}}))
	calls := relay.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, "add", calls[0].verb)
	require.Equal(t, model.Private, calls[0].privacy)

	require.NoError(t, h2.SetPorts([]PortEntry{{Port: 8080, Privacy: model.Public}}))
	calls = relay.snapshot()
	require.Equal(t, "remove", calls[len(calls)-2].verb)
	require.Equal(t, "add", calls[len(calls)-1].verb)
	require.Equal(t, model.Public, calls[len(calls)-1].privacy)

	require.NoError(t, h2.Close())
	calls = relay.snapshot()
	require.Equal(t, "remove", calls[len(calls)-2].verb)
	require.Equal(t, "add", calls[len(calls)-1].verb)
	require.Equal(t, model.Private, calls[len(calls)-1].privacy)

	require.NoError(t, h1.Close())
	calls = relay.snapshot()
	require.Equal(t, "remove", calls[len(calls)-1].verb)
	require.Equal(t, uint16(8080), calls[len(calls)-1].port)
}

func TestHandle_RejectsControlPlanePort(t *testing.T) {
	relay := &recordingRelay{}
	reg := NewRegistrar(relay, nil)
	h := reg.NewHandle()

	err := h.SetPorts([]PortEntry{{Port: model.ControlPlanePort, Privacy: model.Public}})
	require.Error(t, err)
}
