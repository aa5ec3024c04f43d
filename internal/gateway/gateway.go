// Package gateway composes A–F into the long-running process described in
// spec.md §4.G: it owns the RPC method table and an accept loop that serves
// any net.Listener. gatewayd runs that loop only on the local singleton pipe
// (follower connections); streams arriving over the tunnel are not accepted.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/freitascorp/gatewayd/internal/model"
	"github.com/freitascorp/gatewayd/internal/portforward"
	"github.com/freitascorp/gatewayd/internal/rpcfabric"
	"github.com/freitascorp/gatewayd/internal/serverbridge"
	"github.com/freitascorp/gatewayd/internal/serversup"
	"github.com/freitascorp/gatewayd/internal/tunnelsup"
)

// Deps bundles the collaborators a Gateway composes, mirroring the
// fields cmd/devopsclaw/cobra_cli.go:newFleetStack assembles before handing
// them to commands.
type Deps struct {
	Logger     *slog.Logger
	Hostname   string
	Version    string
	Installer  *serversup.Installer
	ServerSup  *serversup.Supervisor
	Entrypoint string
	ServerArgs serversup.Args
	Bridges    *serverbridge.Registry
	Ports      *portforward.Registrar
	Tunnel     *tunnelsup.Supervisor
	Logs       *logRing
}

// Gateway is the process-wide state shared across every connection's
// Dispatcher.
type Gateway struct {
	logger     *slog.Logger
	hostname   string
	version    string
	installer  *serversup.Installer
	serverSup  *serversup.Supervisor
	entrypoint string
	serverArgs serversup.Args
	bridges    *serverbridge.Registry
	ports      *portforward.Registrar
	tunnel     *tunnelsup.Supervisor
	logs       *logRing

	mu          sync.Mutex
	running     *serversup.Running
	dispatchers map[*rpcfabric.Dispatcher]struct{}

	respawnPending atomic.Bool
	shutdownOnce   sync.Once
	shutdownCh     chan struct{}
}

// New builds a Gateway. Any nil Logs buffer is created with the default
// capacity.
func New(d Deps) *Gateway {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Logs == nil {
		d.Logs = newLogRing(0)
	}
	return &Gateway{
		logger:      d.Logger,
		hostname:    d.Hostname,
		version:     d.Version,
		installer:   d.Installer,
		serverSup:   d.ServerSup,
		entrypoint:  d.Entrypoint,
		serverArgs:  d.ServerArgs,
		bridges:     d.Bridges,
		ports:       d.Ports,
		tunnel:      d.Tunnel,
		logs:        d.Logs,
		dispatchers: make(map[*rpcfabric.Dispatcher]struct{}),
		shutdownCh:  make(chan struct{}),
	}
}

// ShutdownRequested is closed once a `shutdown` call has been accepted.
func (g *Gateway) ShutdownRequested() <-chan struct{} { return g.shutdownCh }

// RespawnPending reports whether an `update` call installed a newer build
// and the process should re-exec itself after the current RPC completes.
func (g *Gateway) RespawnPending() bool { return g.respawnPending.Load() }

// Serve runs one connection's RPC fabric to completion: it registers the
// full method table, announces `version` immediately (spec.md §4.G), and
// blocks in the Dispatcher's read loop until the stream closes or ctx is
// cancelled.
func (g *Gateway) Serve(ctx context.Context, codec rpcfabric.Codec) error {
	d := rpcfabric.New(codec, g.logger, g.handleNotification)
	sess := &session{portHandle: g.ports.NewHandle()}
	defer sess.portHandle.Close()

	g.mu.Lock()
	g.dispatchers[d] = struct{}{}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.dispatchers, d)
		g.mu.Unlock()
	}()

	g.registerMethods(d, sess)
	d.Notify("version", map[string]any{"version": g.version, "protocol_version": model.ProtocolVersion})
	return d.Run(ctx)
}

// broadcastShutdown sends a `shutdown` notification to every attached
// connection, per spec.md §4.G ("shutdown also broadcasts a notification
// so every attached client disconnects").
func (g *Gateway) broadcastShutdown() {
	g.mu.Lock()
	targets := make([]*rpcfabric.Dispatcher, 0, len(g.dispatchers))
	for d := range g.dispatchers {
		targets = append(targets, d)
	}
	g.mu.Unlock()
	for _, d := range targets {
		d.Notify("shutdown", struct{}{})
	}
}

// handleNotification answers the follower path's stdin-derived signals
// (spec.md §4.G: "forwards stdin keystrokes x, r into shutdown / restart
// notifications").
func (g *Gateway) handleNotification(method string, _ json.RawMessage) {
	switch method {
	case "shutdown":
		g.doShutdown()
	case "restart":
		g.logger.Info("gateway: restart requested by follower")
	}
}

func (g *Gateway) doShutdown() {
	g.shutdownOnce.Do(func() { close(g.shutdownCh) })
}

// AcceptLoop accepts logical connections from listener (either the
// singleton's local pipe or a tunnel-provided listener) and serves each on
// its own goroutine until ctx is cancelled.
func (g *Gateway) AcceptLoop(ctx context.Context, listener net.Listener, newCodec func(net.Conn) rpcfabric.Codec) {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			if err := g.Serve(ctx, newCodec(conn)); err != nil {
				g.logger.Debug("gateway: connection ended", "error", err)
			}
		}()
	}
}
