package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hibikichat/hibiki/internal/observe"
	"github.com/hibikichat/hibiki/internal/persona"
	"github.com/hibikichat/hibiki/internal/pipeline"
	"github.com/hibikichat/hibiki/pkg/memory"
	"github.com/hibikichat/hibiki/pkg/provider/llm"
)

// Default lifecycle tuning. Idle sessions hold only a namespace view and a
// pipeline, so generous timeouts are cheap.
const (
	defaultIdleTimeout   = 30 * time.Minute
	defaultSweepInterval = time.Minute
)

// Manager owns the live session set, keyed by identity. Sessions are created
// on first use, bound to the (identity, "memories") namespace, and evicted
// after an idle period. All exported methods are safe for concurrent use.
type Manager struct {
	backend  memory.Backend
	provider llm.Provider
	persona  persona.Persona
	metrics  *observe.Metrics

	idleTimeout   time.Duration
	sweepInterval time.Duration
	pipelineOpts  []pipeline.Option

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// ManagerOption is a functional option for [NewManager].
type ManagerOption func(*Manager)

// WithIdleTimeout sets how long a session may sit idle before eviction.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithSweepInterval sets how often the background sweep checks for idle
// sessions.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithMetrics attaches metric instruments to the manager and to every
// pipeline it creates.
func WithMetrics(met *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = met }
}

// WithPipelineOptions forwards options to every session pipeline.
func WithPipelineOptions(opts ...pipeline.Option) ManagerOption {
	return func(m *Manager) { m.pipelineOpts = append(m.pipelineOpts, opts...) }
}

// NewManager creates a Manager minting sessions from the given backend,
// provider, and persona.
func NewManager(backend memory.Backend, provider llm.Provider, pers persona.Persona, opts ...ManagerOption) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("session: backend must not be nil")
	}
	if provider == nil {
		return nil, errors.New("session: provider must not be nil")
	}

	m := &Manager{
		backend:       backend,
		provider:      provider,
		persona:       pers,
		idleTimeout:   defaultIdleTimeout,
		sweepInterval: defaultSweepInterval,
		sessions:      make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// SetPersona swaps the persona used by sessions created after this call.
// Live sessions keep the persona they were created with.
func (m *Manager) SetPersona(p persona.Persona) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persona = p
}

// SetPipelineOptions replaces the options forwarded to pipelines created
// after this call. Live sessions are unaffected.
func (m *Manager) SetPipelineOptions(opts ...pipeline.Option) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelineOpts = opts
}

// Session returns the live session for identity, creating one on first use.
// An empty identity maps to [AnonymousIdentity]. The second return value
// reports whether the session was created by this call; callers use it to
// send the greeting exactly once.
func (m *Manager) Session(identity string) (*Session, bool, error) {
	if identity == "" {
		identity = AnonymousIdentity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, errors.New("session: manager is closed")
	}

	if s, ok := m.sessions[identity]; ok {
		return s, false, nil
	}

	store := m.backend.Open(memory.ForIdentity(identity))
	opts := append([]pipeline.Option{pipeline.WithMetrics(m.metrics)}, m.pipelineOpts...)
	pipe, err := pipeline.New(store, m.provider, m.persona, opts...)
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	s := &Session{
		ID:         uuid.New(),
		Identity:   identity,
		pipe:       pipe,
		startedAt:  now,
		lastActive: now,
	}
	m.sessions[identity] = s
	m.metrics.SessionOpened(context.Background())

	return s, true, nil
}

// RunTurn is the get-or-create convenience used by transport handlers: it
// resolves the session for identity and runs one turn on it.
func (m *Manager) RunTurn(ctx context.Context, identity, input string) (*pipeline.Result, error) {
	s, _, err := m.Session(identity)
	if err != nil {
		return nil, err
	}
	return s.RunTurn(ctx, input)
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EvictIdle removes every session idle for longer than the configured
// timeout and returns how many were evicted.
func (m *Manager) EvictIdle() int {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for identity, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			delete(m.sessions, identity)
			m.metrics.SessionClosed(context.Background())
			evicted++
		}
	}
	return evicted
}

// Run sweeps idle sessions until ctx is cancelled. Intended to run in its
// own goroutine for the lifetime of the application.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := m.EvictIdle(); n > 0 {
				observe.Logger(ctx).Debug("evicted idle sessions", "count", n)
			}
		}
	}
}

// Close evicts all sessions and refuses further session creation.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for identity := range m.sessions {
		delete(m.sessions, identity)
		m.metrics.SessionClosed(context.Background())
	}
	m.closed = true
}
