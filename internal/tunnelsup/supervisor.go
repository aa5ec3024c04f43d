package tunnelsup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/freitascorp/gatewayd/internal/model"
)

// state is the Tunnel Supervisor's internal state machine position,
// spec.md §4.F.
type state int

const (
	stateStarting state = iota
	stateConnecting
	stateConnected
	stateFaulted
)

// Dialer establishes the authenticated relay connection for one bring-up
// attempt.
type Dialer interface {
	Dial(ctx context.Context, token string) (Relay, error)
}

// Supervisor runs the tunnel lifecycle state machine.
type Supervisor struct {
	tokenSource oauth2.TokenSource
	dialer      Dialer
	backoff     *Backoff
	logger      *slog.Logger

	mu           sync.RWMutex
	status       model.Status
	lastEndpoint string
	activeRelay  Relay

	endpointSubs []chan string

	shutdown chan struct{}
}

// NewSupervisor builds a tunnel supervisor. base/capDelay configure the
// backoff (spec.md defaults: 5s/120s).
func NewSupervisor(tokenSource oauth2.TokenSource, dialer Dialer, base, capDelay time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		tokenSource: tokenSource,
		dialer:      dialer,
		backoff:     NewBackoff(base, capDelay),
		logger:      logger,
		shutdown:    make(chan struct{}),
		status:      model.Status{StartedAt: time.Now()},
	}
}

// Status returns a copy of the current status, safe for concurrent reads
// per spec.md §5.
func (s *Supervisor) Status() model.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// CurrentRelay returns the live relay connection, if the supervisor is
// presently in the Connected state. Used by the port forwarder, which
// needs a stable collaborator across the supervisor's own reconnect cycles
// (see RelayProxy).
func (s *Supervisor) CurrentRelay() (Relay, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeRelay, s.activeRelay != nil
}

// Endpoint returns the most recently published port-uri template, or ""
// before the first successful connect.
func (s *Supervisor) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastEndpoint
}

// Shutdown signals the run loop to stop gracefully.
func (s *Supervisor) Shutdown() {
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
}

// OnEndpoint registers a one-shot subscriber for the next published relay
// endpoint (port-uri template with a {port} placeholder).
func (s *Supervisor) OnEndpoint() <-chan string {
	ch := make(chan string, 1)
	s.mu.Lock()
	s.endpointSubs = append(s.endpointSubs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Supervisor) publishEndpoint(template string) {
	s.mu.Lock()
	s.lastEndpoint = template
	subs := s.endpointSubs
	s.endpointSubs = nil
	s.mu.Unlock()
	for _, ch := range subs {
		ch <- template
		close(ch)
	}
}

// Run drives the state machine until ctx is cancelled or Shutdown is
// called.
func (s *Supervisor) Run(ctx context.Context) {
	st := stateStarting
	var token string
	var relay Relay

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			if relay != nil {
				_ = relay.Close()
			}
			return
		default:
		}

		switch st {
		case stateStarting:
			tok, err := s.tokenSource.Token()
			if err != nil {
				s.recordFailure("token refresh failed: " + err.Error())
				if !s.wait(ctx) {
					return
				}
				continue
			}
			token = tok.AccessToken
			st = stateConnecting

		case stateConnecting:
			r, err := s.dialer.Dial(ctx, token)
			if err != nil {
				s.recordFailure("relay connect failed: " + err.Error())
				if !s.wait(ctx) {
					return
				}
				st = stateStarting
				continue
			}
			relay = r
			st = stateConnected

		case stateConnected:
			now := time.Now()
			s.mu.Lock()
			s.status.Tunnel = model.Connected
			s.status.LastConnectedAt = &now
			s.activeRelay = relay
			s.mu.Unlock()
			s.backoff.Reset()
			s.publishEndpoint(relay.GetPortFormat())

			s.logger.Info("tunnelsup: connected")

			select {
			case <-ctx.Done():
				_ = relay.Close()
				return
			case <-s.shutdown:
				_ = relay.Close()
				return
			case <-relay.Done():
				st = stateFaulted
			}

		case stateFaulted:
			now := time.Now()
			s.mu.Lock()
			s.status.Tunnel = model.Disconnected
			s.status.LastDisconnectedAt = &now
			s.activeRelay = nil
			s.mu.Unlock()
			if !s.wait(ctx) {
				return
			}
			st = stateStarting
		}
	}
}

func (s *Supervisor) recordFailure(reason string) {
	s.mu.Lock()
	s.status.LastFailReason = reason
	s.mu.Unlock()
	s.logger.Warn("tunnelsup: " + reason)
}

// wait sleeps for the current backoff delay, returning false if ctx/
// shutdown fired first.
func (s *Supervisor) wait(ctx context.Context) bool {
	d := s.backoff.Next()
	select {
	case <-ctx.Done():
		return false
	case <-s.shutdown:
		return false
	case <-time.After(d):
		return true
	}
}
