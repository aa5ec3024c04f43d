// Package portforward implements the set-reconciling port forward registrar
// (spec.md §4.E), grounded precisely on
// original_source/cli/src/tunnels/local_forwarding.rs: a central map of
// port → {public count, private count, protocol}, per-handle "current"
// snapshots diffed on set_ports, and a reconciler that emits
// add_port_tcp/remove_port calls only when a port's primary privacy
// actually changes.
package portforward

import (
	"log/slog"
	"sync"

	"github.com/freitascorp/gatewayd/internal/model"
	"github.com/freitascorp/gatewayd/internal/xerrors"
)

// PortCount tracks how many current forwards want a port public vs private.
type PortCount struct {
	Public  int
	Private int
}

// IsEmpty reports whether no handle currently wants this port forwarded.
func (c PortCount) IsEmpty() bool { return c.Public == 0 && c.Private == 0 }

// PrimaryPrivacy is Public if the public count is > 0, else Private.
func (c PortCount) PrimaryPrivacy() model.PortPrivacy {
	if c.Public > 0 {
		return model.Public
	}
	return model.Private
}

func (c *PortCount) inc(p model.PortPrivacy) {
	if p == model.Public {
		c.Public++
	} else {
		c.Private++
	}
}

func (c *PortCount) dec(p model.PortPrivacy) {
	if p == model.Public {
		if c.Public > 0 {
			c.Public--
		}
	} else if c.Private > 0 {
		c.Private--
	}
}

type portMapRec struct {
	count    PortCount
	protocol model.PortProtocol
}

// PortEntry is one requested forward (port, privacy) held by a handle.
type PortEntry struct {
	Port    uint16
	Privacy model.PortPrivacy
}

// Relay is the subset of the external tunnel relay interface (spec.md §6)
// the reconciler drives.
type Relay interface {
	AddPortTCP(port uint16, privacy model.PortPrivacy, protocol model.PortProtocol) error
	RemovePort(port uint16) error
}

// Registrar is the central map shared by every handle.
type Registrar struct {
	mu      sync.Mutex
	ports   map[uint16]*portMapRec
	logger  *slog.Logger
	relay   Relay
	applied map[uint16]model.PortPrivacy // last-applied snapshot for the reconciler
}

// NewRegistrar creates an empty registrar driving relay.
func NewRegistrar(relay Relay, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		ports:   make(map[uint16]*portMapRec),
		applied: make(map[uint16]model.PortPrivacy),
		relay:   relay,
		logger:  logger,
	}
}

// NewHandle returns a per-RPC-client handle bound to this registrar.
func (r *Registrar) NewHandle() *Handle {
	return &Handle{reg: r}
}

// Handle is the per-client view: a "current" list of requested forwards
// that gets diffed against new snapshots on SetPorts.
type Handle struct {
	reg     *Registrar
	current []PortEntry
}

// SetPorts atomically reconciles this handle's previously-requested
// entries against new, then reconciles the central map.
func (h *Handle) SetPorts(next []PortEntry) error {
	for _, e := range next {
		if e.Port == model.ControlPlanePort {
			return xerrors.New(xerrors.InvalidInput, "cannot forward the control-plane port")
		}
	}

	h.reg.mu.Lock()
	for _, old := range h.current {
		if !containsEntry(next, old) {
			h.reg.decrement(old)
		}
	}
	for _, cur := range next {
		if !containsEntry(h.current, cur) {
			h.reg.increment(cur)
		}
	}
	h.current = append([]PortEntry(nil), next...)
	h.reg.mu.Unlock()

	return h.reg.reconcile()
}

// Close behaves as SetPorts(nil): the handle's forwards are fully released.
func (h *Handle) Close() error { return h.SetPorts(nil) }

func containsEntry(list []PortEntry, e PortEntry) bool {
	for _, x := range list {
		if x == e {
			return true
		}
	}
	return false
}

func (r *Registrar) increment(e PortEntry) {
	rec, ok := r.ports[e.Port]
	if !ok {
		rec = &portMapRec{protocol: model.ProtocolAuto}
		r.ports[e.Port] = rec
	}
	rec.count.inc(e.Privacy)
}

func (r *Registrar) decrement(e PortEntry) {
	rec, ok := r.ports[e.Port]
	if !ok {
		return
	}
	rec.count.dec(e.Privacy)
	if rec.count.IsEmpty() {
		delete(r.ports, e.Port)
	}
}

// reconcile diffs the central map against the last-applied snapshot.
// Disappeared ports get remove_port only; changed-privacy ports get
// remove_port then add_port_tcp; brand-new ports get add_port_tcp only.
// Failures are logged and left for the next diff to retry (spec.md §4.E),
// not treated as fatal.
func (r *Registrar) reconcile() error {
	type change struct {
		port      uint16
		disappear bool
		changed   bool
		privacy   model.PortPrivacy
		protocol  model.PortProtocol
	}

	r.mu.Lock()
	var changes []change
	for port, rec := range r.ports {
		newPrivacy := rec.count.PrimaryPrivacy()
		oldPrivacy, existed := r.applied[port]
		if !existed {
			changes = append(changes, change{port: port, privacy: newPrivacy, protocol: rec.protocol})
		} else if oldPrivacy != newPrivacy {
			changes = append(changes, change{port: port, changed: true, privacy: newPrivacy, protocol: rec.protocol})
		}
	}
	for port := range r.applied {
		if _, ok := r.ports[port]; !ok {
			changes = append(changes, change{port: port, disappear: true})
		}
	}
	r.mu.Unlock()

	var firstErr error
	note := func(err error, verb string, port uint16) {
		r.logger.Warn("portforward: relay call failed, will retry", "verb", verb, "port", port, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, c := range changes {
		if c.disappear || c.changed {
			if err := r.relay.RemovePort(c.port); err != nil {
				note(err, "remove_port", c.port)
				continue
			}
			r.mu.Lock()
			delete(r.applied, c.port)
			r.mu.Unlock()
		}
		if c.disappear {
			continue
		}
		if err := r.relay.AddPortTCP(c.port, c.privacy, c.protocol); err != nil {
			note(err, "add_port_tcp", c.port)
			continue
		}
		r.mu.Lock()
		r.applied[c.port] = c.privacy
		r.mu.Unlock()
	}
	return firstErr
}
