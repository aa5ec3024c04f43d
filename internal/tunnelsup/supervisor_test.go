package tunnelsup

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/freitascorp/gatewayd/internal/model"
)

type staticTokenSource struct{ token string }

func (s staticTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: s.token}, nil
}

type fakeRelay struct{ done chan struct{} }

func newFakeRelay() fakeRelay { return fakeRelay{done: make(chan struct{})} }

func (fakeRelay) AddPortDirect(ctx context.Context, port uint16) (<-chan net.Conn, error) {
	return make(chan net.Conn), nil
}
func (fakeRelay) AddPortTCP(uint16, model.PortPrivacy, model.PortProtocol) error { return nil }
func (fakeRelay) RemovePort(uint16) error                                       { return nil }
func (fakeRelay) GetPortFormat() string                                         { return "https://{port}.example" }
func (fakeRelay) Status() model.Status                                          { return model.Status{} }
func (f fakeRelay) Done() <-chan struct{}                                       { return f.done }
func (fakeRelay) Close() error                                                  { return nil }

// countingDialer fails its first failUntil calls, then succeeds forever,
// recording the wall-clock time of each attempt.
type countingDialer struct {
	mu        sync.Mutex
	failUntil int
	attempts  []time.Time
}

func (d *countingDialer) Dial(ctx context.Context, token string) (Relay, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = append(d.attempts, time.Now())
	if len(d.attempts) <= d.failUntil {
		return nil, errDialFailed
	}
	return newFakeRelay(), nil
}

var errDialFailed = &dialError{}

type dialError struct{}

func (*dialError) Error() string { return "relay unreachable" }

// TestSupervisor_BackoffThenConnect replicates the seed scenario: three
// injected relay failures with base=30ms/cap=120ms backoff, then a
// successful connect, asserting the spacing grows linearly and resets.
func TestSupervisor_BackoffThenConnect(t *testing.T) {
	dialer := &countingDialer{failUntil: 3}
	sup := NewSupervisor(staticTokenSource{token: "tok"}, dialer, 30*time.Millisecond, 120*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	endpoint := sup.OnEndpoint()
	go sup.Run(ctx)

	select {
	case tmpl := <-endpoint:
		require.Equal(t, "https://{port}.example", tmpl)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect")
	}
	sup.Shutdown()

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	require.Len(t, dialer.attempts, 4)

	gap1 := dialer.attempts[1].Sub(dialer.attempts[0])
	gap2 := dialer.attempts[2].Sub(dialer.attempts[1])
	require.GreaterOrEqual(t, gap1, 25*time.Millisecond)
	require.GreaterOrEqual(t, gap2, 55*time.Millisecond)
	require.Equal(t, 0, sup.backoff.Failures())

	status := sup.Status()
	require.Equal(t, model.Connected, status.Tunnel)
}

func TestValidNameAndSanitize(t *testing.T) {
	require.True(t, ValidName("my-machine_01"))
	require.False(t, ValidName("has a space"))
	require.False(t, ValidName(""))

	require.Equal(t, "my-host", Sanitize("my!!host"))
	require.Equal(t, "remote-machine", Sanitize("@"))
}

func TestExpectedTagsAndDiff(t *testing.T) {
	tags := ExpectedTags("box", model.RolePortForwarding, true)
	require.ElementsMatch(t, []string{"box", "protocol-v1", "port-forwarding", "_wsl"}, tags)
	require.False(t, TagsDiffer(tags, []string{"_wsl", "box", "port-forwarding", "protocol-v1"}))
	require.True(t, TagsDiffer(tags, []string{"box", "protocol-v1", "port-forwarding"}))
}
