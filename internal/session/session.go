// Package session owns the single logical connection to the broker. It runs
// the Disconnected/Connecting/Connected/Reconnecting state machine and gates
// every trading operation on connectivity.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ibkrmcp/internal/broker"
	"ibkrmcp/internal/domain"
)

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State is the connectivity state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config is the read-only endpoint and timing configuration of a Session.
type Config struct {
	Host     string
	Port     int
	ClientID int
	Readonly bool
	// Timeout bounds the connect handshake and each broker call.
	Timeout time.Duration
	// ReconnectDelay is the pause between disconnect and connect in Reconnect.
	ReconnectDelay time.Duration
	// FirstOrderID is the first id handed out by PlaceOrder.
	FirstOrderID int64
}

// Status is a consistent snapshot of the session.
type Status struct {
	State     State     `json:"state"`
	Connected bool      `json:"connected"`
	Broker    string    `json:"broker"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	ClientID  int       `json:"client_id"`
	Readonly  bool      `json:"readonly"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
}

// attempt is one physical connect in flight. done is closed once err is set.
type attempt struct {
	done      chan struct{}
	err       error
	abandoned bool
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// Session is safe for concurrent use. State reads take the read lock; state
// transitions and the decision to start a connect take the write lock.
// Physical connect/disconnect calls into the broker are serialized through
// phys so a disconnect can never interleave with a handshake.
type Session struct {
	broker broker.Broker
	cfg    Config
	log    *slog.Logger

	mu        sync.RWMutex
	state     State
	since     time.Time
	lastErr   error
	inflight  *attempt
	listeners []func(State)

	phys   chan struct{}
	nextID atomic.Int64
}

// New creates a Disconnected session over b.
func New(b broker.Broker, cfg Config, log *slog.Logger) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ReconnectDelay < 0 {
		cfg.ReconnectDelay = 0
	}
	if cfg.FirstOrderID <= 0 {
		cfg.FirstOrderID = 1000
	}
	s := &Session{
		broker: b,
		cfg:    cfg,
		log:    log.With("component", "session", "broker", b.Name()),
		state:  Disconnected,
		since:  time.Now().UTC(),
		phys:   make(chan struct{}, 1),
	}
	s.nextID.Store(cfg.FirstOrderID)
	return s
}

// OnStateChange registers fn to be called after every transition. fn runs
// with the session lock held and must not call back into the Session.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// IsConnected reports whether the session is Connected. It never blocks on
// a transition in progress beyond the read lock.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == Connected
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status returns a snapshot of state and endpoint identity.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		State:     s.state,
		Connected: s.state == Connected,
		Broker:    s.broker.Name(),
		Host:      s.cfg.Host,
		Port:      s.cfg.Port,
		ClientID:  s.cfg.ClientID,
		Readonly:  s.cfg.Readonly,
		Since:     s.since,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Config returns the session's endpoint configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// setStateLocked records a transition. Callers hold s.mu for writing.
func (s *Session) setStateLocked(next State, err error) {
	prev := s.state
	s.state = next
	s.since = time.Now().UTC()
	s.lastErr = err
	if prev != next {
		s.log.Info("broker state changed", "from", prev, "to", next)
	}
	for _, fn := range s.listeners {
		fn(next)
	}
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

// Connect establishes the broker connection. It is a no-op when already
// Connected, and joins the in-flight attempt when one is running. The
// attempt itself is bounded by Config.Timeout and is not cancelled by ctx;
// ctx only limits how long this caller waits for it.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Connected {
		s.mu.Unlock()
		return nil
	}
	a := s.inflight
	if a == nil {
		a = &attempt{done: make(chan struct{})}
		s.inflight = a
		s.setStateLocked(Connecting, nil)
		go s.dial(a)
	}
	s.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return domain.WrapError(domain.KindTimeout, ctx.Err(), "waiting for connect to %s", s.endpoint())
	}
}

func (s *Session) dial(a *attempt) {
	s.phys <- struct{}{}
	defer func() { <-s.phys }()

	s.mu.RLock()
	abandoned := a.abandoned
	s.mu.RUnlock()

	var err error
	if !abandoned {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		start := time.Now()
		err = s.broker.Connect(ctx)
		cancel()
		switch {
		case err == nil:
			s.log.Info("connected to broker", "endpoint", s.endpoint(), "elapsed", time.Since(start))
		case errors.Is(err, context.DeadlineExceeded):
			err = domain.WrapError(domain.KindTimeout, err, "connecting to %s after %s", s.endpoint(), s.cfg.Timeout)
		default:
			err = domain.WrapError(domain.KindConnection, err, "connecting to %s", s.endpoint())
		}
	}

	s.mu.Lock()
	connected := err == nil && !abandoned
	abandoned = a.abandoned
	if s.inflight == a {
		s.inflight = nil
	}
	if abandoned {
		err = domain.NewError(domain.KindConnection, "connect to %s cancelled by disconnect", s.endpoint())
	} else if err == nil {
		s.setStateLocked(Connected, nil)
	} else {
		s.setStateLocked(Disconnected, err)
		s.log.Warn("broker connect failed", "error", err)
	}
	a.err = err
	s.mu.Unlock()

	// A disconnect arrived mid-handshake; the session is already
	// Disconnected, so drop the link the broker just opened.
	if abandoned && connected {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		if derr := s.broker.Disconnect(ctx); derr != nil {
			s.log.Warn("broker disconnect failed", "error", derr)
		}
		cancel()
	}
	close(a.done)
}

// Disconnect moves the session to Disconnected from any state and always
// leaves it there. An attempt in flight is abandoned and tears down its own
// link once the handshake returns; Disconnect waits for that only as long as
// ctx allows. Disconnecting while Disconnected is a no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	a := s.inflight
	if a != nil {
		a.abandoned = true
		s.inflight = nil
	}
	prev := s.state
	if prev != Disconnected {
		s.setStateLocked(Disconnected, nil)
	}
	s.mu.Unlock()

	switch {
	case a != nil:
		select {
		case <-a.done:
		case <-ctx.Done():
			s.log.Warn("handshake still running after disconnect", "endpoint", s.endpoint())
		}
	case prev == Disconnected:
		return nil
	default:
		select {
		case s.phys <- struct{}{}:
			if err := s.broker.Disconnect(ctx); err != nil {
				s.log.Warn("broker disconnect failed", "error", err)
			}
			<-s.phys
		case <-ctx.Done():
			s.log.Warn("broker disconnect skipped", "endpoint", s.endpoint(), "error", ctx.Err())
		}
	}
	s.log.Info("disconnected from broker", "endpoint", s.endpoint())
	return nil
}

// Reconnect disconnects, waits Config.ReconnectDelay and connects again.
// When the connect fails the session ends Disconnected.
func (s *Session) Reconnect(ctx context.Context) error {
	if err := s.Disconnect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == Disconnected && s.inflight == nil {
		s.setStateLocked(Reconnecting, nil)
	}
	s.mu.Unlock()

	s.log.Info("reconnecting to broker", "delay", s.cfg.ReconnectDelay)
	if s.cfg.ReconnectDelay > 0 {
		timer := time.NewTimer(s.cfg.ReconnectDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			s.mu.Lock()
			if s.state == Reconnecting {
				s.setStateLocked(Disconnected, ctx.Err())
			}
			s.mu.Unlock()
			return domain.WrapError(domain.KindTimeout, ctx.Err(), "reconnect to %s interrupted", s.endpoint())
		}
	}
	return s.Connect(ctx)
}

// Close forces the session Disconnected at shutdown.
func (s *Session) Close(ctx context.Context) error {
	return s.Disconnect(ctx)
}

func (s *Session) endpoint() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}
