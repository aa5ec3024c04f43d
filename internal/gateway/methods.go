package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/freitascorp/gatewayd/internal/model"
	"github.com/freitascorp/gatewayd/internal/portforward"
	"github.com/freitascorp/gatewayd/internal/rpcfabric"
	"github.com/freitascorp/gatewayd/internal/serverbridge"
	"github.com/freitascorp/gatewayd/internal/serversup"
	"github.com/freitascorp/gatewayd/internal/xerrors"
)

// session holds the per-connection state a single RPC fabric session needs
// across calls: its own forwarded-port handle and the ports forwarded
// through it (so unforward/disconnect can release only its own ports).
type session struct {
	mu         sync.Mutex
	portHandle *portforward.Handle
	forwarded  []portforward.PortEntry
}

// dispatcherSink adapts a Dispatcher into serverbridge.Sink, turning bytes
// read from the editor server's socket into `servermsg` notifications to
// this connection's peer, per spec.md §4.C/§4.G.
type dispatcherSink struct {
	d *rpcfabric.Dispatcher
}

func (s dispatcherSink) ServerMessage(bridgeID uint32, data []byte) {
	s.d.Notify("servermsg", map[string]any{"i": bridgeID, "body": data})
}

func (s dispatcherSink) ServerClosed(bridgeID uint32) {
	s.d.Notify("servermsg", map[string]any{"i": bridgeID, "closed": true})
}

func (g *Gateway) registerMethods(d *rpcfabric.Dispatcher, sess *session) {
	d.RegisterSync("ping", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return struct{}{}, nil
	})

	d.RegisterAsync("serve", func(ctx context.Context, raw json.RawMessage) (any, error) {
		return g.handleServe(ctx, raw, d)
	})

	d.RegisterSync("servermsg", func(ctx context.Context, raw json.RawMessage) (any, error) {
		return g.handleServerMsg(raw)
	})

	d.RegisterAsync("callserverhttp", func(ctx context.Context, raw json.RawMessage) (any, error) {
		return g.handleCallServerHTTP(ctx, raw)
	})

	d.RegisterSync("forward", func(ctx context.Context, raw json.RawMessage) (any, error) {
		return g.handleForward(sess, raw)
	})

	d.RegisterSync("unforward", func(ctx context.Context, raw json.RawMessage) (any, error) {
		return g.handleUnforward(sess, raw)
	})

	d.RegisterSync("gethostname", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return map[string]any{"value": g.hostname}, nil
	})

	d.RegisterAsync("prune", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return g.handlePrune(ctx)
	})

	d.RegisterAsync("update", func(ctx context.Context, raw json.RawMessage) (any, error) {
		return g.handleUpdate(ctx, raw)
	})

	d.RegisterSync("restart", func(ctx context.Context, _ json.RawMessage) (any, error) {
		g.logger.Info("gateway: restart requested")
		return struct{}{}, nil
	})

	d.RegisterSync("shutdown", func(ctx context.Context, _ json.RawMessage) (any, error) {
		g.doShutdown()
		g.broadcastShutdown()
		return struct{}{}, nil
	})

	d.RegisterSync("status", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return g.handleStatus(), nil
	})

	d.RegisterAsync("log", func(ctx context.Context, _ json.RawMessage) (any, error) {
		g.streamLogs(ctx, d)
		return struct{}{}, nil
	})
}

type serveParams struct {
	SocketID         uint32   `json:"socket_id"`
	CommitID         string   `json:"commit_id"`
	Quality          string   `json:"quality"`
	Extensions       []string `json:"extensions"`
	ConnectionToken  string   `json:"connection_token,omitempty"`
	UseLocalDownload bool     `json:"use_local_download,omitempty"`
	Compress         bool     `json:"compress,omitempty"`
}

func (g *Gateway) handleServe(ctx context.Context, raw json.RawMessage, d *rpcfabric.Dispatcher) (any, error) {
	var p serveParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, xerrors.BadParams("decode serve params", err)
	}

	running, err := g.ensureServerRunning(ctx, p)
	if err != nil {
		return nil, err
	}

	conn, err := dialServer(running.Match)
	if err != nil {
		return nil, err
	}

	var codec serverbridge.Codec = serverbridge.IdentityCodec{}
	if p.Compress {
		deflate, err := serverbridge.NewDeflateSyncCodec()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.Transport, "build deflate codec", err)
		}
		codec = deflate
	}
	bridge := serverbridge.NewFromConn(p.SocketID, conn, dispatcherSink{d: d}, codec, g.logger)
	if err := g.bridges.Add(bridge); err != nil {
		bridge.Close()
		return nil, err
	}
	return struct{}{}, nil
}

func (g *Gateway) ensureServerRunning(ctx context.Context, p serveParams) (*serversup.Running, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running != nil {
		return g.running, nil
	}

	release := model.Release{
		Quality:  model.Quality(p.Quality),
		Commit:   p.CommitID,
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		Target:   model.TargetServer,
	}
	installed, err := g.installer.EnsureInstalled(ctx, release)
	if err != nil {
		return nil, err
	}

	if running, ok := serversup.Discover(installed, installed.ExecutablePath(g.entrypoint)); ok {
		g.running = running
		return running, nil
	}

	args := g.serverArgs
	args.ConnectionToken = p.ConnectionToken
	args.Extensions = p.Extensions
	running, err := g.serverSup.Launch(ctx, installed, g.entrypoint, args)
	if err != nil {
		return nil, err
	}
	g.running = running
	return running, nil
}

func dialServer(m serversup.MatchResult) (net.Conn, error) {
	switch m.Kind {
	case serversup.MatchPath:
		conn, err := net.Dial("unix", m.Path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.Transport, "dial server socket", err)
		}
		return conn, nil
	case serversup.MatchPort:
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", m.Port))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.Transport, "dial server port", err)
		}
		return conn, nil
	default:
		return nil, xerrors.New(xerrors.Unavailable, "server did not advertise a reachable endpoint")
	}
}

type servermsgParams struct {
	I    uint32          `json:"i"`
	Body json.RawMessage `json:"body"`
}

func (g *Gateway) handleServerMsg(raw json.RawMessage) (any, error) {
	var p servermsgParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, xerrors.BadParams("decode servermsg params", err)
	}
	var body []byte
	if err := json.Unmarshal(p.Body, &body); err != nil {
		return nil, xerrors.Wrap(xerrors.InvalidInput, "decode servermsg body", err)
	}
	if err := g.bridges.Write(p.I, body); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

type forwardParams struct {
	Port uint16 `json:"port"`
}

func (g *Gateway) handleForward(sess *session, raw json.RawMessage) (any, error) {
	var p forwardParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, xerrors.BadParams("decode forward params", err)
	}
	if p.Port == model.ControlPlanePort {
		return nil, xerrors.New(xerrors.InvalidInput, "cannot forward the control plane port")
	}

	sess.mu.Lock()
	next := append(append([]portforward.PortEntry(nil), sess.forwarded...), portforward.PortEntry{Port: p.Port, Privacy: model.Public})
	if err := sess.portHandle.SetPorts(next); err != nil {
		sess.mu.Unlock()
		return nil, err
	}
	sess.forwarded = next
	sess.mu.Unlock()

	template := g.tunnel.Endpoint()
	uri := strings.Replace(template, "{port}", strconv.Itoa(int(p.Port)), 1)
	return map[string]any{"uri": uri}, nil
}

func (g *Gateway) handleUnforward(sess *session, raw json.RawMessage) (any, error) {
	var p forwardParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, xerrors.BadParams("decode unforward params", err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	next := make([]portforward.PortEntry, 0, len(sess.forwarded))
	for _, e := range sess.forwarded {
		if e.Port != p.Port {
			next = append(next, e)
		}
	}
	if err := sess.portHandle.SetPorts(next); err != nil {
		return nil, err
	}
	sess.forwarded = next
	return struct{}{}, nil
}

func (g *Gateway) handlePrune(ctx context.Context) (any, error) {
	removed, err := g.installer.Prune(ctx, g.entrypoint)
	if err != nil {
		return nil, err
	}
	return removed, nil
}

type updateParams struct {
	DoUpdate bool `json:"do_update"`
}

type updateResult struct {
	UpToDate bool `json:"up_to_date"`
	DidUpdate bool `json:"did_update"`
}

func (g *Gateway) handleUpdate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p updateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, xerrors.BadParams("decode update params", err)
	}

	upToDate, err := g.installer.CheckUpToDate(ctx, g.version)
	if err != nil {
		return nil, err
	}
	if upToDate || !p.DoUpdate {
		return updateResult{UpToDate: upToDate, DidUpdate: false}, nil
	}

	if err := g.installer.SelfUpdate(ctx, g.version); err != nil {
		return nil, err
	}
	g.respawnPending.Store(true)
	return updateResult{UpToDate: false, DidUpdate: true}, nil
}

// StatusWithTunnelName is the `status` method's reply, naming the current
// tunnel identity alongside the Tunnel Supervisor's status snapshot.
type StatusWithTunnelName struct {
	model.Status
	TunnelName string `json:"tunnel_name"`
}

func (g *Gateway) handleStatus() StatusWithTunnelName {
	return StatusWithTunnelName{Status: g.tunnel.Status(), TunnelName: g.hostname}
}

// streamLogs replays the buffered log lines as `log` notifications,
// terminates the replay with `log_done`, then forwards every subsequent
// line until ctx is cancelled (spec.md §4.G).
func (g *Gateway) streamLogs(ctx context.Context, d *rpcfabric.Dispatcher) {
	for _, line := range g.logs.Snapshot() {
		d.Notify("log", map[string]any{"line": line})
	}
	d.Notify("log_done", struct{}{})

	ch, unsub := g.logs.Subscribe()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			d.Notify("log", map[string]any{"line": line})
		}
	}
}
