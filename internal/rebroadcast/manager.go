package rebroadcast

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/jmylchreest/hubstream/internal/container"
	"github.com/jmylchreest/hubstream/internal/media"
	"github.com/jmylchreest/hubstream/internal/metrics"
)

// ErrSessionNotFound is returned when a session is not found.
var ErrSessionNotFound = errors.New("rebroadcast session not found")

// Manager shares one Session per source. A torn-down session is dropped and
// the next request for its source starts a new one.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager.
func NewManager(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Config returns the effective session settings.
func (m *Manager) Config() Config {
	return m.cfg
}

// GetOrCreate returns the live session for in's source, starting one if
// there is none.
func (m *Manager) GetOrCreate(ctx context.Context, in media.Input) (*Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := in.Validate(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, false, ErrSessionClosed
	}
	if s, ok := m.sessions[in.Key()]; ok {
		if !s.Closed() {
			return s, false, nil
		}
		delete(m.sessions, in.Key())
	}

	s, err := Start(m.ctx, in, m.cfg, m.logger, m.metrics, m.forget)
	if err != nil {
		return nil, false, err
	}
	m.sessions[in.Key()] = s
	return s, true, nil
}

// Stream is GetOrCreate returning a URL handle for collaborators.
func (m *Manager) Stream(ctx context.Context, in media.Input) (*media.Stream, error) {
	s, _, err := m.GetOrCreate(ctx, in)
	if err != nil {
		return nil, err
	}
	return media.NewURLStream(s.URL(), container.FormatMPEGTS, nil), nil
}

// forget drops s once it has closed, unless a newer session replaced it.
func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.Input.Key()]; ok && cur == s {
		delete(m.sessions, s.Input.Key())
	}
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Sessions returns the live sessions ordered by ID, which is creation order.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseSession tears down a session by ID.
func (m *Manager) CloseSession(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.Close(nil)
	return nil
}

// Close tears down every session and refuses new ones.
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close(nil)
	}
}
