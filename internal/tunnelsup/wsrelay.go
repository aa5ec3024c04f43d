package tunnelsup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/freitascorp/gatewayd/internal/model"
)

// wsMessage is the wire envelope exchanged with the relay over the
// WebSocket connection, grounded on pkg/relay/ws_relay.go's WSMessage
// shape, narrowed to the tunnel relay's own message types.
type wsMessage struct {
	Type      string          `json:"type"`
	Port      uint16          `json:"port,omitempty"`
	Privacy   int             `json:"privacy,omitempty"`
	Protocol  string          `json:"protocol,omitempty"`
	Nonce     []byte          `json:"nonce,omitempty"`
	Proof     []byte          `json:"proof,omitempty"`
	StreamID  uint32          `json:"stream_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// WSDialer dials the tunnel relay over WebSocket and performs the
// proof-of-possession handshake. It implements Dialer.
type WSDialer struct {
	RelayURL string
	Cred     model.StoredCredential
	Logger   *slog.Logger
}

// Dial connects to the relay, exchanges the HMAC challenge, and returns a
// live Relay bound to the resulting connection.
func (d *WSDialer) Dial(ctx context.Context, token string) (Relay, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wsURL := d.RelayURL
	if !strings.HasPrefix(wsURL, "ws://") && !strings.HasPrefix(wsURL, "wss://") {
		wsURL = "wss://" + wsURL
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	var challenge wsMessage
	if err := wsjson.Read(ctx, conn, &challenge); err != nil {
		conn.Close(websocket.StatusInternalError, "challenge read failed")
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	if challenge.Type != "challenge" {
		conn.Close(websocket.StatusProtocolError, "unexpected message")
		return nil, fmt.Errorf("expected challenge, got %q", challenge.Type)
	}

	cred := d.Cred
	if token != "" {
		cred.AccessToken = token
	}
	proof := SolveChallenge(cred, challenge.Nonce)
	resp := wsMessage{Type: "authenticate", Proof: proof, Timestamp: time.Now()}
	if err := wsjson.Write(ctx, conn, resp); err != nil {
		conn.Close(websocket.StatusInternalError, "authenticate write failed")
		return nil, fmt.Errorf("send authenticate: %w", err)
	}

	var ack wsMessage
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		conn.Close(websocket.StatusInternalError, "ack read failed")
		return nil, fmt.Errorf("read ack: %w", err)
	}
	if ack.Type != "authenticated" {
		conn.Close(websocket.StatusPolicyViolation, "authentication rejected")
		return nil, fmt.Errorf("relay rejected credential")
	}

	r := &wsRelay{
		conn:      conn,
		logger:    logger,
		accepting: make(map[uint16]chan net.Conn),
		streams:   make(map[uint32]net.Conn),
		done:      make(chan struct{}),
	}
	go r.readLoop(context.Background())
	return r, nil
}

// wsRelay is the live, connected Relay: a single WebSocket multiplexing
// control messages (add_port/remove_port acks) and data frames for direct
// port connections the relay forwards to us.
type wsRelay struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu        sync.Mutex
	status    model.Status
	accepting map[uint16]chan net.Conn
	streams   map[uint32]net.Conn
	nextID    uint32
	closed    bool
	done      chan struct{}
	doneOnce  sync.Once
}

func (r *wsRelay) markDone() {
	r.doneOnce.Do(func() { close(r.done) })
}

// Done is closed once the relay connection has dropped.
func (r *wsRelay) Done() <-chan struct{} { return r.done }

func (r *wsRelay) readLoop(ctx context.Context) {
	for {
		var msg wsMessage
		if err := wsjson.Read(ctx, r.conn, &msg); err != nil {
			r.logger.Warn("tunnelsup: relay read loop ended", "error", err)
			r.mu.Lock()
			r.closed = true
			for _, ch := range r.accepting {
				close(ch)
			}
			r.mu.Unlock()
			r.markDone()
			return
		}

		switch msg.Type {
		case "connect":
			r.mu.Lock()
			ch, ok := r.accepting[msg.Port]
			r.mu.Unlock()
			if !ok {
				continue
			}
			client, wire := net.Pipe()
			r.mu.Lock()
			r.streams[msg.StreamID] = wire
			r.mu.Unlock()
			ch <- client
		case "stream_data":
			r.mu.Lock()
			wire, ok := r.streams[msg.StreamID]
			r.mu.Unlock()
			if ok {
				_, _ = wire.Write(msg.Payload)
			}
		case "stream_ended":
			r.mu.Lock()
			wire, ok := r.streams[msg.StreamID]
			delete(r.streams, msg.StreamID)
			r.mu.Unlock()
			if ok {
				_ = wire.Close()
			}
		}
	}
}

// AddPortDirect registers interest in inbound connections for port and
// returns a channel delivering each one the relay forwards.
func (r *wsRelay) AddPortDirect(ctx context.Context, port uint16) (<-chan net.Conn, error) {
	ch := make(chan net.Conn, 4)
	r.mu.Lock()
	r.accepting[port] = ch
	r.mu.Unlock()

	msg := wsMessage{Type: "add_port_direct", Port: port, Timestamp: time.Now()}
	if err := wsjson.Write(ctx, r.conn, msg); err != nil {
		return nil, fmt.Errorf("add_port_direct: %w", err)
	}
	return ch, nil
}

// AddPortTCP asks the relay to advertise port with the given privacy and
// protocol.
func (r *wsRelay) AddPortTCP(port uint16, privacy model.PortPrivacy, protocol model.PortProtocol) error {
	msg := wsMessage{Type: "add_port_tcp", Port: port, Privacy: int(privacy), Protocol: string(protocol), Timestamp: time.Now()}
	return wsjson.Write(context.Background(), r.conn, msg)
}

// RemovePort withdraws a previously-advertised port.
func (r *wsRelay) RemovePort(port uint16) error {
	r.mu.Lock()
	delete(r.accepting, port)
	r.mu.Unlock()
	msg := wsMessage{Type: "remove_port", Port: port, Timestamp: time.Now()}
	return wsjson.Write(context.Background(), r.conn, msg)
}

// GetPortFormat returns the URI template clients use to reach a forwarded
// port, with a "{port}" placeholder the caller substitutes.
func (r *wsRelay) GetPortFormat() string {
	return "https://{port}-" + hostLabel(r.conn) + ".tunnel.example"
}

func hostLabel(_ *websocket.Conn) string {
	return "session"
}

// Status reports the relay connection's externally-visible state. Dialer
// callers read Supervisor.Status instead; this method satisfies the Relay
// interface for collaborators that hold only a Relay reference.
func (r *wsRelay) Status() model.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Close tears down the WebSocket connection and all live direct streams.
func (r *wsRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, wire := range r.streams {
		_ = wire.Close()
	}
	r.mu.Unlock()
	r.markDone()
	return r.conn.Close(websocket.StatusNormalClosure, "tunnel stopped")
}
