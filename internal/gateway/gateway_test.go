package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freitascorp/gatewayd/internal/model"
	"github.com/freitascorp/gatewayd/internal/portforward"
	"github.com/freitascorp/gatewayd/internal/tunnelsup"
)

type noopRelay struct{}

func (noopRelay) AddPortTCP(uint16, model.PortPrivacy, model.PortProtocol) error { return nil }
func (noopRelay) RemovePort(uint16) error                                       { return nil }

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	registrar := portforward.NewRegistrar(noopRelay{}, nil)
	return New(Deps{
		Hostname: "test-host",
		Version:  "1.0.0",
		Ports:    registrar,
		Tunnel:   tunnelsup.NewSupervisor(nil, nil, time.Second, time.Second, nil),
	})
}

func TestGateway_ForwardRejectsControlPort(t *testing.T) {
	g := newTestGateway(t)
	sess := &session{portHandle: g.ports.NewHandle()}

	_, err := g.handleForward(sess, mustJSON(t, forwardParams{Port: model.ControlPlanePort}))
	require.Error(t, err)
}

func TestGateway_ForwardThenUnforward(t *testing.T) {
	g := newTestGateway(t)
	sess := &session{portHandle: g.ports.NewHandle()}

	_, err := g.handleForward(sess, mustJSON(t, forwardParams{Port: 8080}))
	require.NoError(t, err)
	require.Len(t, sess.forwarded, 1)

	_, err = g.handleUnforward(sess, mustJSON(t, forwardParams{Port: 8080}))
	require.NoError(t, err)
	require.Empty(t, sess.forwarded)
}

func TestGateway_Status(t *testing.T) {
	tunnel := tunnelsup.NewSupervisor(nil, nil, time.Second, time.Second, nil)
	g := New(Deps{Hostname: "box", Ports: portforward.NewRegistrar(noopRelay{}, nil), Tunnel: tunnel})

	st := g.handleStatus()
	require.Equal(t, "box", st.TunnelName)
	require.Equal(t, model.Disconnected, st.Tunnel)
}

func TestLogRing_ReplayThenStream(t *testing.T) {
	ring := newLogRing(10)
	ring.Append("line one")
	ring.Append("line two")

	require.Equal(t, []string{"line one", "line two"}, ring.Snapshot())

	ch, unsub := ring.Subscribe()
	defer unsub()
	ring.Append("line three")

	select {
	case line := <-ch:
		require.Equal(t, "line three", line)
	case <-time.After(time.Second):
		t.Fatal("did not receive live line")
	}
}

func TestLogRing_DropsOldestTenthWhenFull(t *testing.T) {
	ring := newLogRing(10)
	for i := 0; i < 10; i++ {
		ring.Append(string(rune('a' + i)))
	}
	ring.Append("k")
	snap := ring.Snapshot()
	require.Len(t, snap, 10)
	require.Equal(t, "b", snap[0])
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
