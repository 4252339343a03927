package session

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/wangfeng1004/Cumulus/internal/counter"
	"github.com/wangfeng1004/Cumulus/internal/protocol"
	"github.com/wangfeng1004/Cumulus/internal/stats"
)

// HandshakeID is the session id carried by datagrams sent before a session
// exists.
const HandshakeID = 0

// ErrNotFound is returned for a datagram addressed to a session that does
// not exist.
var ErrNotFound = errors.New("session not found")

// Config holds the keep-alive policy.
type Config struct {
	// KeepAlivePeer is how often peers are expected to send keep-alives.
	KeepAlivePeer time.Duration
	// KeepAliveServer is how often the manager checks for silent sessions.
	KeepAliveServer time.Duration
	// Timeout destroys a session silent for this long.
	Timeout time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Session is one established peer connection.
type Session struct {
	ID        uint32
	Peer      netip.AddrPort
	StartTime time.Time

	codec *protocol.Codec

	mu            sync.RWMutex
	lastActivity  time.Time
	lastTimestamp uint16
	packets       uint64
	keepAliveLate bool
}

// Codec returns the codec for datagrams of this session.
func (s *Session) Codec() *protocol.Codec { return s.codec }

// LastActivity is when the session last received a datagram.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Packets counts datagrams delivered to the session.
func (s *Session) Packets() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.packets
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.keepAliveLate = false
	s.mu.Unlock()
}

// Info returns session information for monitoring and APIs.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:            s.ID,
		Peer:          s.Peer.String(),
		StartTime:     s.StartTime,
		LastActivity:  s.lastActivity,
		Duration:      time.Since(s.StartTime),
		Packets:       s.packets,
		LastTimestamp: s.lastTimestamp,
	}
}

// Info represents session information for monitoring and APIs
type Info struct {
	ID            uint32        `json:"id"`
	Peer          string        `json:"peer"`
	StartTime     time.Time     `json:"start_time"`
	LastActivity  time.Time     `json:"last_activity"`
	Duration      time.Duration `json:"duration"`
	Packets       uint64        `json:"packets"`
	LastTimestamp uint16        `json:"last_timestamp"`
}

// Manager owns every live session.
type Manager struct {
	sessions map[uint32]*Session
	peers    map[netip.AddrPort]uint32
	mu       sync.RWMutex
	logger   *slog.Logger
	cfg      Config
	stats    *stats.Registry
	codec    *protocol.Codec
	now      func() time.Time

	nextID  counter.Counter
	peak    counter.Counter
	created counter.Counter

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its keep-alive routine.
func NewManager(logger *slog.Logger, cfg Config, reg *stats.Registry) *Manager {
	if cfg.KeepAlivePeer <= 0 {
		cfg.KeepAlivePeer = 10 * time.Second
	}
	if cfg.KeepAliveServer <= 0 {
		cfg.KeepAliveServer = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 6 * cfg.KeepAlivePeer
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions: make(map[uint32]*Session),
		peers:    make(map[netip.AddrPort]uint32),
		logger:   logger.With(slog.String("component", "session")),
		cfg:      cfg,
		stats:    reg,
		codec:    protocol.DefaultCodec(),
		now:      cfg.Clock,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go m.startCleanupRoutine()

	return m
}

// Decoder returns the codec for datagrams addressed to id. Unknown ids and
// handshakes use the default codec.
func (m *Manager) Decoder(id uint32) *protocol.Codec {
	if id == HandshakeID {
		return m.codec
	}
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return m.codec
	}
	return s.codec
}

// LookupOrCreate routes a decoded datagram. A handshake from a new peer
// creates a session; a handshake from a known peer returns its session.
// Any other id must name a live session.
func (m *Manager) LookupOrCreate(id uint32, addr netip.AddrPort, env *protocol.Envelope) (*Session, error) {
	now := m.now()

	if id != HandshakeID {
		m.mu.RLock()
		s, ok := m.sessions[id]
		m.mu.RUnlock()
		if !ok {
			return nil, ErrNotFound
		}
		s.touch(now)
		return s, nil
	}

	m.stats.Inc(stats.HandShake)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.peers[addr]; ok {
		if s, ok := m.sessions[existing]; ok {
			s.touch(now)
			return s, nil
		}
	}

	s := &Session{
		ID:           m.allocateID(),
		Peer:         addr,
		StartTime:    now,
		codec:        m.codec,
		lastActivity: now,
	}
	m.sessions[s.ID] = s
	m.peers[addr] = s.ID
	m.created.Inc()
	m.peak.BumpToMax(int64(len(m.sessions)))

	m.logger.Info("Created new session",
		slog.Uint64("session_id", uint64(s.ID)),
		slog.String("peer", addr.String()),
		slog.Int("sessions", len(m.sessions)),
	)
	return s, nil
}

// allocateID returns an unused non-zero id. Caller holds m.mu.
func (m *Manager) allocateID() uint32 {
	for {
		id := uint32(m.nextID.Inc())
		if id == HandshakeID {
			continue
		}
		if _, taken := m.sessions[id]; !taken {
			return id
		}
	}
}

// Deliver hands a decoded envelope to s.
func (m *Manager) Deliver(s *Session, env *protocol.Envelope) {
	s.mu.Lock()
	s.packets++
	s.lastTimestamp = env.Timestamp
	s.mu.Unlock()

	if env.FirstChunk() == protocol.ChunkKeepAlive {
		m.stats.Inc(stats.KeepAlive)
	}
}

// Get retrieves an existing session
func (m *Manager) Get(id uint32) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Destroy removes s. It reports false if s was already gone.
func (m *Manager) Destroy(s *Session) bool {
	if s == nil {
		return false
	}

	m.mu.Lock()
	current, ok := m.sessions[s.ID]
	if !ok || current != s {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, s.ID)
	if m.peers[s.Peer] == s.ID {
		delete(m.peers, s.Peer)
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("Session destroyed",
		slog.Uint64("session_id", uint64(s.ID)),
		slog.String("peer", s.Peer.String()),
		slog.Duration("duration", m.now().Sub(s.StartTime)),
		slog.Uint64("packets", s.Packets()),
		slog.Int("sessions", remaining),
	)
	return true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// PeakCount is the largest number of sessions alive at once.
func (m *Manager) PeakCount() int64 { return m.peak.Get() }

// Created counts sessions created since start.
func (m *Manager) Created() int64 { return m.created.Get() }

// Sessions returns a snapshot of all live sessions.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	return infos
}

// Stop ends the keep-alive routine. Live sessions are kept for the final
// report.
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")
	m.cancel()
	<-m.cleanup
	m.logger.Info("Session manager stopped",
		slog.Int("remaining_sessions", m.Count()),
		slog.Int64("peak_sessions", m.PeakCount()),
		slog.Int64("created_sessions", m.Created()),
	)
}

// startCleanupRoutine checks for silent sessions every KeepAliveServer.
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.cfg.KeepAliveServer)
	defer ticker.Stop()

	m.logger.Info("Session keep-alive routine started",
		slog.Duration("keep_alive_peer", m.cfg.KeepAlivePeer),
		slog.Duration("check_interval", m.cfg.KeepAliveServer),
		slog.Duration("timeout", m.cfg.Timeout),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session keep-alive routine stopping")
			return

		case <-ticker.C:
			m.expire(m.now())
		}
	}
}

// expire counts sessions that missed their keep-alive and destroys the ones
// silent for longer than the timeout.
func (m *Manager) expire(now time.Time) {
	late := 2 * m.cfg.KeepAlivePeer
	expired := make([]*Session, 0)

	m.mu.RLock()
	for _, s := range m.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActivity)
		if idle > late && !s.keepAliveLate {
			s.keepAliveLate = true
			m.stats.Inc(stats.TimeoutKeepalive)
		}
		s.mu.Unlock()

		if idle > m.cfg.Timeout {
			expired = append(expired, s)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions",
			slog.Int("expired_count", len(expired)),
		)
		for _, s := range expired {
			if m.Destroy(s) {
				m.stats.Inc(stats.TimeoutConnection)
			}
		}
	}
}
