package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/domain"
)

// State is the connection manager's lifecycle state.
type State int

// Manager states. Failed means the reconnect budget was spent and Run
// returned; only a fresh Run call, with its own budget, dials again.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the state label used in logs and callbacks.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrReconnectExhausted is wrapped into the permanent-failure callback
// when the reconnect budget runs out.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Conn is one established push connection.
type Conn interface {
	// ReadEvent blocks until the next event arrives or the connection
	// breaks. Transports enforce the heartbeat timeout internally, so a
	// dead peer surfaces here as a read error.
	ReadEvent() (domain.ProgressEvent, error)

	// Ping sends a liveness probe.
	Ping(ctx context.Context) error

	Close() error
}

// Dialer establishes a push connection for a job, replaying events
// with a sequence greater than after.
type Dialer interface {
	Dial(ctx context.Context, jobID uuid.UUID, after uint64) (Conn, error)
}

// Config controls the manager's heartbeat and reconnect behavior.
type Config struct {
	// HeartbeatInterval is how often the manager pings the server;
	// HeartbeatTimeout bounds each ping and the transport's read
	// deadline.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// ReconnectBase is the delay before the first reconnect attempt;
	// each further attempt doubles it, capped at ReconnectCap.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// MaxAttempts is the consecutive failed connection attempts allowed
	// before the manager gives up permanently. The counter resets on
	// every successful connection.
	MaxAttempts int

	// Sleep is injectable for deterministic tests. Nil uses a
	// context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Sleep == nil {
		c.Sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return c
}

// Handlers are the manager's callbacks. All are optional and are
// invoked from the manager's goroutine, never concurrently.
type Handlers struct {
	// OnEvent receives every progress event in sequence order.
	OnEvent func(domain.ProgressEvent)

	// OnStateChange fires on every state transition.
	OnStateChange func(State)

	// OnPermanentFailure fires exactly once, when the manager enters
	// the Failed state.
	OnPermanentFailure func(error)
}

// Manager drives one job's push connection through its lifecycle. It
// tracks the last delivered sequence so every reconnect resumes where
// the stream broke instead of replaying from the start.
type Manager struct {
	dialer   Dialer
	cfg      Config
	handlers Handlers
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	lastSeq     uint64
	failureOnce sync.Once
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(dialer Dialer, cfg Config, handlers Handlers, logger *slog.Logger) *Manager {
	return &Manager{
		dialer:   dialer,
		cfg:      cfg.withDefaults(),
		handlers: handlers,
		logger:   logger.With("component", "push_manager"),
		state:    StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastSequence returns the highest event sequence delivered so far.
func (m *Manager) LastSequence() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeq
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	m.logger.Debug("state changed", "state", s.String())
	if m.handlers.OnStateChange != nil {
		m.handlers.OnStateChange(s)
	}
}

// Run connects and consumes the job's event stream until a terminal
// stage arrives, the context is cancelled, or the reconnect budget is
// exhausted. It returns nil on a clean terminal-event shutdown and the
// terminal failure otherwise.
func (m *Manager) Run(ctx context.Context, jobID uuid.UUID) error {
	logger := m.logger.With("job_id", jobID)
	attempts := 0
	first := true

	for {
		if first {
			m.setState(StateConnecting)
		} else {
			m.setState(StateReconnecting)
		}
		first = false

		conn, err := m.dialer.Dial(ctx, jobID, m.LastSequence())
		if err != nil {
			attempts++
			logger.Warn("connection attempt failed",
				"attempt", attempts,
				"max_attempts", m.cfg.MaxAttempts,
				"error", err)

			if attempts >= m.cfg.MaxAttempts {
				return m.fail(fmt.Errorf("%w after %d attempts: %v",
					ErrReconnectExhausted, attempts, err))
			}
			if err := m.cfg.Sleep(ctx, m.backoff(attempts)); err != nil {
				m.setState(StateDisconnected)
				return err
			}
			continue
		}

		attempts = 0
		m.setState(StateConnected)
		logger.Info("connected", "resume_after", m.LastSequence())

		terminal, err := m.consume(ctx, conn)
		_ = conn.Close()

		if terminal {
			m.setState(StateDisconnected)
			return nil
		}
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return ctx.Err()
		}

		// The drop itself does not spend the reconnect budget; only
		// failed redials count, and the counter restarted at zero when
		// this connection came up.
		logger.Warn("connection lost, scheduling reconnect", "error", err)
		if err := m.cfg.Sleep(ctx, m.backoff(1)); err != nil {
			m.setState(StateDisconnected)
			return err
		}
	}
}

// consume reads events off an established connection until it breaks
// or delivers a terminal stage. A heartbeat goroutine pings on the
// configured interval; a dead peer surfaces as a read error through
// the transport's deadline.
func (m *Manager) consume(ctx context.Context, conn Conn) (terminal bool, err error) {
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)

	go func() {
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
				if err := conn.Ping(pingCtx); err != nil {
					cancel()
					// The broken pipe also fails the blocking read;
					// nothing else to do here.
					return
				}
				cancel()
			}
		}
	}()

	for {
		event, err := conn.ReadEvent()
		if err != nil {
			return false, err
		}

		m.mu.Lock()
		stale := event.Sequence <= m.lastSeq
		if !stale {
			m.lastSeq = event.Sequence
		}
		m.mu.Unlock()

		// Replays below the cursor are dropped; consumers see each
		// sequence at most once.
		if stale {
			continue
		}

		if m.handlers.OnEvent != nil {
			m.handlers.OnEvent(event)
		}
		if event.Stage.Kind.Terminal() {
			return true, nil
		}
	}
}

// backoff computes the capped exponential delay before reconnect
// attempt n (1-based).
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.ReconnectBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.ReconnectCap {
			return m.cfg.ReconnectCap
		}
	}
	if d > m.cfg.ReconnectCap {
		d = m.cfg.ReconnectCap
	}
	return d
}

// fail enters the terminal Failed state, firing OnPermanentFailure
// exactly once even if Run is (incorrectly) called again.
func (m *Manager) fail(cause error) error {
	m.setState(StateFailed)
	m.failureOnce.Do(func() {
		m.logger.Error("giving up on push connection", "error", cause)
		if m.handlers.OnPermanentFailure != nil {
			m.handlers.OnPermanentFailure(cause)
		}
	})
	return cause
}
