package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"relic-rush/server/internal/snapshot"
	"relic-rush/server/internal/transport"
)

const (
	// DefaultTokenTTL bounds how long a suspended session stays resumable.
	DefaultTokenTTL = 30 * time.Second
	// DefaultHeartbeatInterval is the expected client heartbeat cadence.
	DefaultHeartbeatInterval = 2 * time.Second
	// DefaultMissedHeartbeatLimit suspends the session once reached.
	DefaultMissedHeartbeatLimit = 3
)

// ManagerConfig tunes session lifetimes and per-session sync parameters.
type ManagerConfig struct {
	TokenTTL             time.Duration `json:"tokenTTL" yaml:"token_ttl"`
	HeartbeatInterval    time.Duration `json:"heartbeatInterval" yaml:"heartbeat_interval"`
	MissedHeartbeatLimit int           `json:"missedHeartbeatLimit" yaml:"missed_heartbeat_limit"`
	QueueCapacity        int           `json:"queueCapacity" yaml:"queue_capacity"`
	KeyframeInterval     int           `json:"keyframeInterval" yaml:"keyframe_interval"`
}

// UnmarshalYAML accepts human-readable durations ("30s", "2s") for the
// time fields.
func (c *ManagerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		TokenTTL             string `yaml:"token_ttl"`
		HeartbeatInterval    string `yaml:"heartbeat_interval"`
		MissedHeartbeatLimit int    `yaml:"missed_heartbeat_limit"`
		QueueCapacity        int    `yaml:"queue_capacity"`
		KeyframeInterval     int    `yaml:"keyframe_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.TokenTTL != "" {
		ttl, err := time.ParseDuration(raw.TokenTTL)
		if err != nil {
			return fmt.Errorf("token_ttl: %w", err)
		}
		c.TokenTTL = ttl
	}
	if raw.HeartbeatInterval != "" {
		interval, err := time.ParseDuration(raw.HeartbeatInterval)
		if err != nil {
			return fmt.Errorf("heartbeat_interval: %w", err)
		}
		c.HeartbeatInterval = interval
	}
	c.MissedHeartbeatLimit = raw.MissedHeartbeatLimit
	c.QueueCapacity = raw.QueueCapacity
	c.KeyframeInterval = raw.KeyframeInterval
	return nil
}

func (c ManagerConfig) normalized() ManagerConfig {
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MissedHeartbeatLimit <= 0 {
		c.MissedHeartbeatLimit = DefaultMissedHeartbeatLimit
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = snapshot.DefaultQueueCapacity
	}
	if c.KeyframeInterval <= 0 {
		c.KeyframeInterval = snapshot.DefaultKeyframeInterval
	}
	return c
}

// Metrics is the narrow observability surface the manager reports to.
type Metrics interface {
	RecordSessionState(state string, delta int)
	RecordReconnect(sameTransport bool)
	RecordTokenExpiry()
}

// Manager owns every session in one room: creation, token resolution,
// suspension sweeps.
type Manager struct {
	mu       sync.Mutex
	cfg      ManagerConfig
	sessions map[string]*Session
	byToken  map[string]*Session
	metrics  Metrics
	logger   *log.Logger
}

// NewManager constructs a Manager with normalized configuration. Metrics and
// logger may be nil.
func NewManager(cfg ManagerConfig, metrics Metrics, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		cfg:      cfg.normalized(),
		sessions: make(map[string]*Session),
		byToken:  make(map[string]*Session),
		metrics:  metrics,
		logger:   logger,
	}
}

// Config reports the normalized configuration.
func (m *Manager) Config() ManagerConfig {
	if m == nil {
		return ManagerConfig{}.normalized()
	}
	return m.cfg
}

// Create registers a new session in the connecting state and mints its
// sticky token.
func (m *Manager) Create(clientID, roomID string) *Session {
	sess := &Session{
		clientID: clientID,
		roomID:   roomID,
		token:    uuid.NewString(),
		state:    StateConnecting,
		failed:   make(map[transport.Kind]bool),
		queue:    snapshot.NewOutboundQueue(m.cfg.QueueCapacity),
		stream:   snapshot.NewStream(clientID, m.cfg.KeyframeInterval),
	}
	m.mu.Lock()
	m.sessions[clientID] = sess
	m.byToken[sess.token] = sess
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.RecordSessionState(string(StateConnecting), 1)
	}
	return sess
}

// Get resolves a session by client identity.
func (m *Manager) Get(clientID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[clientID]
	return sess, ok
}

// Resume rebinds a suspended session found by sticky token to a fresh
// transport connection. The new transport may differ from the old one.
func (m *Manager) Resume(token string, kind transport.Kind, conn transport.Conn, now time.Time) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.byToken[token]
	m.mu.Unlock()
	if !ok {
		if m.metrics != nil {
			m.metrics.RecordTokenExpiry()
		}
		return nil, ErrTokenExpired
	}
	// A token past its TTL is dead even when the housekeeping sweep has not
	// caught it yet. The session itself stays for the sweep, which also
	// despawns its world entity.
	if since, suspended := sess.suspendedSince(); suspended && now.Sub(since) >= m.cfg.TokenTTL {
		if m.metrics != nil {
			m.metrics.RecordTokenExpiry()
		}
		return nil, ErrTokenExpired
	}
	prev := sess.TransportKind()
	if err := sess.Activate(kind, conn, now); err != nil {
		return nil, err
	}
	// A reconnect must resynchronize from a full keyframe; whatever the
	// client had before the drop cannot be trusted as a baseline.
	sess.stream.ForceKeyframe()
	sess.queue.Drain()
	if m.metrics != nil {
		m.metrics.RecordReconnect(prev == kind)
		m.metrics.RecordSessionState(string(StateSuspended), -1)
		m.metrics.RecordSessionState(string(StateActive), 1)
	}
	m.logger.Printf("session resumed client=%s transport=%s prev=%s", sess.clientID, kind, prev)
	return sess, nil
}

// Suspend detaches the session's transport but keeps it resumable. The
// released connection is returned for the caller to close.
func (m *Manager) Suspend(sess *Session, now time.Time) transport.Conn {
	conn, err := sess.Suspend(now)
	if err != nil {
		return nil
	}
	if m.metrics != nil {
		m.metrics.RecordSessionState(string(StateActive), -1)
		m.metrics.RecordSessionState(string(StateSuspended), 1)
	}
	m.logger.Printf("session suspended client=%s", sess.clientID)
	return conn
}

// Close removes the session permanently and releases its token.
func (m *Manager) Close(sess *Session) transport.Conn {
	prev := sess.State()
	conn := sess.close()
	m.mu.Lock()
	delete(m.sessions, sess.clientID)
	delete(m.byToken, sess.token)
	m.mu.Unlock()
	if m.metrics != nil && prev != StateClosed {
		m.metrics.RecordSessionState(string(prev), -1)
	}
	return conn
}

// SweepExpired closes sessions suspended past the token TTL and returns
// them so the caller can despawn their entities.
func (m *Manager) SweepExpired(now time.Time) []*Session {
	m.mu.Lock()
	var expired []*Session
	for _, sess := range m.sessions {
		since, ok := sess.suspendedSince()
		if ok && now.Sub(since) >= m.cfg.TokenTTL {
			expired = append(expired, sess)
		}
	}
	m.mu.Unlock()
	for _, sess := range expired {
		sess.close()
		m.mu.Lock()
		delete(m.sessions, sess.clientID)
		delete(m.byToken, sess.token)
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RecordSessionState(string(StateSuspended), -1)
			m.metrics.RecordTokenExpiry()
		}
		m.logger.Printf("session expired client=%s", sess.clientID)
	}
	return expired
}

// Active returns the sessions currently bound to a live transport.
func (m *Manager) Active() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.State() == StateActive {
			active = append(active, sess)
		}
	}
	return active
}

// All returns every tracked session regardless of state.
func (m *Manager) All() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	return all
}

// Len reports the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
