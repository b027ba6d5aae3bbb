// Package supervisor runs the connection lifecycle state machine around a
// transport connector: connect, observe, and on loss reconnect with
// capped exponential backoff until the attempt limit is exhausted.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Joothis/myozen/errors"
	"github.com/Joothis/myozen/metric"
	"github.com/Joothis/myozen/pkg/backoff"
	"github.com/Joothis/myozen/telemetry"
	"github.com/Joothis/myozen/transport"
)

// State is the supervisor's position in the connection lifecycle.
type State int

// Lifecycle states
const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
	StateTerminated
)

// String returns the state name used in status reports and logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Config holds reconnect policy and connect bounds for one supervisor.
type Config struct {
	BaseDelay      time.Duration `json:"base_delay,omitempty"`
	MaxDelay       time.Duration `json:"max_delay,omitempty"`
	MaxAttempts    int           `json:"max_attempts,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// FrameHandler receives every frame event observed while connected.
type FrameHandler func(transport.Event)

// Supervisor owns one connector's lifecycle. Backoff state and attempt
// counters are private to the instance; supervisors for different
// connections never share them.
type Supervisor struct {
	conn    transport.Connector
	cfg     Config
	policy  backoff.Policy
	onFrame FrameHandler
	logger  *slog.Logger

	mu            sync.Mutex
	state         State
	attempts      int
	curBackoff    time.Duration
	lastMessageAt time.Time
	messageCount  int64
	lastError     error

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	reconnects prometheus.Counter
	frames     prometheus.Counter
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics registers per-connection counters with the registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(s *Supervisor) {
		if registry == nil {
			return
		}
		name := s.conn.Name()
		s.reconnects = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "myozen",
			Subsystem:   "supervisor",
			Name:        "reconnect_attempts_total",
			Help:        "Total reconnect attempts",
			ConstLabels: prometheus.Labels{"connection": name},
		})
		s.frames = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "myozen",
			Subsystem:   "supervisor",
			Name:        "frames_total",
			Help:        "Total frames observed",
			ConstLabels: prometheus.Labels{"connection": name},
		})
		registry.MustRegister("supervisor_"+name, "reconnect_attempts_total", s.reconnects)
		registry.MustRegister("supervisor_"+name, "frames_total", s.frames)
	}
}

// New creates a supervisor for the connector. onFrame is invoked from the
// supervisor's event loop; it must hand work off quickly (the aggregator
// routes into its worker pool and returns).
func New(conn transport.Connector, cfg Config, onFrame FrameHandler, opts ...Option) *Supervisor {
	cfg.ApplyDefaults()
	s := &Supervisor{
		conn:    conn,
		cfg:     cfg,
		onFrame: onFrame,
		logger:  slog.Default(),
		state:   StateIdle,
		policy: backoff.Policy{
			Base:        cfg.BaseDelay,
			Max:         cfg.MaxDelay,
			MaxAttempts: cfg.MaxAttempts,
		},
		curBackoff: cfg.BaseDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the state machine.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Stop shuts the supervisor down: the state machine exits, the connector
// disconnects, and the final state is Terminated. A stopped supervisor
// cannot be restarted; build a fresh one to resume.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}

	err := s.conn.Disconnect(timeout)

	s.mu.Lock()
	s.state = StateTerminated
	s.started = false
	s.mu.Unlock()
	return err
}

// Status returns the connection read model for the outer HTTP layer.
func (s *Supervisor) Status() telemetry.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return telemetry.ConnectionStatus{
		Name:              s.conn.Name(),
		Configured:        true,
		IsConnected:       s.state == StateConnected,
		State:             s.state.String(),
		ReconnectAttempts: s.attempts,
		LastMessageTime:   s.lastMessageAt,
		MessageCount:      s.messageCount,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentBackoff returns the delay that will precede the next reconnect.
func (s *Supervisor) CurrentBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curBackoff
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(StateConnecting)
		connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		err := s.conn.Connect(connectCtx)
		cancel()

		if err == nil {
			s.markConnected()
			s.consume(ctx)
			if ctx.Err() != nil {
				return
			}
			s.setState(StateDisconnected)
			s.logger.Warn("connection lost", "connection", s.conn.Name())
		} else {
			if ctx.Err() != nil {
				return
			}
			s.setState(StateDisconnected)
			s.setLastError(err)
			s.logger.Warn("connect failed",
				"connection", s.conn.Name(),
				"error", err)
		}

		delay, ok := s.nextBackoff()
		if !ok {
			s.setState(StateTerminated)
			s.logger.Error("max reconnect attempts exhausted; connection terminated",
				"connection", s.conn.Name(),
				"attempts", s.cfg.MaxAttempts)
			return
		}

		s.setState(StateReconnecting)
		s.logger.Info("reconnecting after backoff",
			"connection", s.conn.Name(),
			"delay", delay,
			"attempt", s.reconnectAttempts())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume drains connector events until disconnect, error-free channel
// close, or shutdown.
func (s *Supervisor) consume(ctx context.Context) {
	events := s.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.EventFrame:
				s.recordFrame(ev.At)
				if s.onFrame != nil {
					s.onFrame(ev)
				}
			case transport.EventDisconnected:
				s.setLastError(ev.Err)
				return
			case transport.EventError:
				// Subscription-level errors are logged but do not tear
				// down the connection.
				s.setLastError(ev.Err)
				s.logger.Warn("transport error",
					"connection", s.conn.Name(),
					"error", ev.Err)
			case transport.EventConnected:
				// Already accounted in markConnected.
			}
		}
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// markConnected resets the reconnect bookkeeping on a successful connect.
func (s *Supervisor) markConnected() {
	s.mu.Lock()
	s.state = StateConnected
	s.attempts = 0
	s.curBackoff = s.cfg.BaseDelay
	s.mu.Unlock()
	s.logger.Info("connected", "connection", s.conn.Name())
}

// nextBackoff advances the attempt counter and recomputes the delay as
// min(base * 2^attempts, max). Returns false once attempts are exhausted.
func (s *Supervisor) nextBackoff() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.policy.Exhausted(s.attempts) {
		return 0, false
	}
	s.attempts++
	s.curBackoff = s.policy.Delay(s.attempts)
	if s.reconnects != nil {
		s.reconnects.Inc()
	}
	return s.curBackoff, true
}

func (s *Supervisor) recordFrame(at time.Time) {
	s.mu.Lock()
	if at.IsZero() {
		at = time.Now()
	}
	s.lastMessageAt = at
	s.messageCount++
	s.mu.Unlock()
	if s.frames != nil {
		s.frames.Inc()
	}
}

func (s *Supervisor) reconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Supervisor) setLastError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastError = err
	s.mu.Unlock()
}

// LastError returns the most recent transport error, if any.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}
