package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wangfeng1004/Cumulus/internal/banlist"
	"github.com/wangfeng1004/Cumulus/internal/config"
	"github.com/wangfeng1004/Cumulus/internal/counter"
	"github.com/wangfeng1004/Cumulus/internal/metrics"
	"github.com/wangfeng1004/Cumulus/internal/mux"
	"github.com/wangfeng1004/Cumulus/internal/protocol"
	"github.com/wangfeng1004/Cumulus/internal/session"
	"github.com/wangfeng1004/Cumulus/internal/stats"
	"github.com/wangfeng1004/Cumulus/internal/worker"
)

var (
	ErrAlreadyRunning = errors.New("server already running")
	ErrNotRunning     = errors.New("server not running")
)

// Server-to-peer marker and the RTMFP clock resolution.
const (
	serverMarker = 0x4A
	timestampRes = 4 * time.Millisecond
)

// Deps are the collaborators the server is composed from. Registry and
// Sessions are required.
type Deps struct {
	Logger   *slog.Logger
	Registry *stats.Registry
	Sessions *session.Manager
	Bans     *banlist.List
	Metrics  *metrics.Metrics
	Poller   mux.Poller
}

// Server owns the RTMFP and control sockets, the multiplexer polling them and
// the worker pool that decodes datagrams.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *stats.Registry
	sessions *session.Manager
	bans     *banlist.List
	metrics  *metrics.Metrics
	poller   mux.Poller

	rejectLog rate.Sometimes

	mu       sync.RWMutex
	running  bool
	started  time.Time
	conn     *net.UDPConn
	ctrlConn *net.UDPConn
	ctrl     *stats.ControlHandler
	mux      *mux.Multiplexer
	pool     *worker.Pool

	received  counter.Counter
	queueFull counter.Counter
	sendFails counter.Counter
}

// NewServer creates a stopped server.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Registry == nil || deps.Sessions == nil {
		return nil, fmt.Errorf("stats registry and session manager are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(nil)
	}

	return &Server{
		cfg:       cfg,
		logger:    deps.Logger.With(slog.String("component", "server")),
		registry:  deps.Registry,
		sessions:  deps.Sessions,
		bans:      deps.Bans,
		metrics:   deps.Metrics,
		poller:    deps.Poller,
		rejectLog: rate.Sometimes{Interval: time.Second},
	}, nil
}

// Start binds the sockets and starts the pool, the multiplexer and the stats
// rotation. A bind failure is returned and leaves the server stopped.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	sc := s.cfg.Server
	conn, err := listen(sc.BindAddress, sc.UDPPort)
	if err != nil {
		return err
	}
	if err := conn.SetReadBuffer(sc.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", sc.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	started := time.Now()

	var ctrlConn *net.UDPConn
	var ctrl *stats.ControlHandler
	if cc := s.cfg.Control; cc.Enabled {
		ctrlConn, err = listen(cc.Address, cc.Port)
		if err != nil {
			conn.Close()
			return fmt.Errorf("control channel: %w", err)
		}
		var limiter *rate.Limiter
		if cc.Rate > 0 {
			limiter = rate.NewLimiter(rate.Limit(cc.Rate), cc.Burst)
		}
		ctrl = stats.NewControlHandler(s, started, limiter, s.logger)
	}

	m, err := mux.New(mux.Config{
		PollTimeout: sc.GetPollTimeout(),
		Poller:      s.poller,
		Logger:      s.logger,
	})
	if err != nil {
		closeAll(conn, ctrlConn)
		return fmt.Errorf("failed to create multiplexer: %w", err)
	}

	pool := worker.NewPool(worker.Config{
		Workers:   sc.Workers,
		QueueSize: sc.QueueSize,
	}, s.logger)

	if err := m.Register(conn, &rtmfpHandler{srv: s, pool: pool, buf: make([]byte, protocol.MaxPacketSize)}); err != nil {
		closeAll(conn, ctrlConn)
		return fmt.Errorf("failed to register RTMFP socket: %w", err)
	}
	if ctrlConn != nil {
		if err := m.Register(ctrlConn, ctrl); err != nil {
			m.Close()
			closeAll(conn, ctrlConn)
			return fmt.Errorf("failed to register control socket: %w", err)
		}
	}

	pool.Start()
	if err := m.Start(); err != nil {
		pool.Stop(context.Background())
		closeAll(conn, ctrlConn)
		return fmt.Errorf("failed to start multiplexer: %w", err)
	}
	s.registry.Start()

	s.conn, s.ctrlConn, s.ctrl = conn, ctrlConn, ctrl
	s.mux, s.pool = m, pool
	s.started = started
	s.running = true
	s.metrics.SetRegisteredSockets(m.Len())

	attrs := []any{
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("workers", pool.Workers()),
		slog.Duration("poll_timeout", sc.GetPollTimeout()),
	}
	if ctrlConn != nil {
		attrs = append(attrs, slog.String("control_address", ctrlConn.LocalAddr().String()))
	}
	s.logger.Info("RTMFP server started", attrs...)

	return nil
}

// Stop closes the multiplexer, drains the pool until ctx ends, stops the
// stats rotation and releases the sockets.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	m, pool, conn, ctrlConn := s.mux, s.pool, s.conn, s.ctrlConn
	s.mu.Unlock()

	s.logger.Info("Stopping RTMFP server...")

	// no callback runs once Close returns, so nothing submits after this
	m.Close()

	var stopErr error
	if err := pool.Stop(ctx); err != nil {
		s.logger.Warn("Worker pool did not drain", slog.String("error", err.Error()))
		stopErr = fmt.Errorf("worker pool: %w", err)
	}

	s.registry.Stop()
	closeAll(conn, ctrlConn)
	s.metrics.SetRegisteredSockets(0)

	s.logger.Info("RTMFP server stopped",
		slog.Int64("datagrams_received", s.received.Get()),
		slog.Int64("queue_full", s.queueFull.Get()),
		slog.Int("sessions", s.sessions.Count()),
	)

	return stopErr
}

// Running reports whether the server is started.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Port returns the bound RTMFP port, or 0 when stopped.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// ControlPort returns the bound control port, or 0 when the control channel
// is disabled or the server is stopped.
func (s *Server) ControlPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running || s.ctrlConn == nil {
		return 0
	}
	return s.ctrlConn.LocalAddr().(*net.UDPAddr).Port
}

// StatusString renders the report served by the control channel's status
// command.
func (s *Server) StatusString() string {
	s.mu.RLock()
	running, pool, m := s.running, s.pool, s.mux
	s.mu.RUnlock()

	var sb strings.Builder

	var peak int64
	if pool != nil {
		peak = pool.PeakQueue()
	}
	sb.WriteString("-------RTMFPServer-------\n")
	fmt.Fprintf(&sb, "\tpeak_qsize: %d run: %t\n", peak, running)
	fmt.Fprintf(&sb, "\tsessions_n: %d sessions_n_peak: %d\n", s.sessions.Count(), s.sessions.PeakCount())

	sb.WriteString("-------PoolThreads-------\n")
	if pool != nil {
		for i, depth := range pool.QueueDepths() {
			fmt.Fprintf(&sb, "\tthr[%d] qsize: %d run: %t\n", i, depth, pool.WorkerRunning(i))
		}
	}

	mapsz, mrun := 0, false
	if m != nil {
		mapsz, mrun = m.Len(), m.Running()
	}
	sb.WriteString("-------SocketManager-------\n")
	fmt.Fprintf(&sb, "\tmapsz: %d run : %t\n", mapsz, mrun)

	sb.WriteString(s.registry.Render())
	return sb.String()
}

// CreateSession opens a session for addr as a completed handshake would.
func (s *Server) CreateSession(addr netip.AddrPort) (*session.Session, error) {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	sess, err := s.sessions.LookupOrCreate(session.HandshakeID, addr, &protocol.Envelope{})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSessionCreated()
	s.metrics.SetActiveSessions(s.sessions.Count())
	return sess, nil
}

// DestroySession closes sess. It reports false if sess was already gone.
func (s *Server) DestroySession(sess *session.Session) bool {
	if !s.sessions.Destroy(sess) {
		return false
	}
	s.metrics.RecordSessionDestroyed()
	s.metrics.SetActiveSessions(s.sessions.Count())
	return true
}

// Send encodes payload for session id and writes it to addr, recording the
// send statistics.
func (s *Server) Send(addr netip.AddrPort, id uint32, payload []byte) error {
	start := time.Now()

	s.mu.RLock()
	conn, running, started := s.conn, s.running, s.started
	s.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	ts := uint16(start.Sub(started) / timestampRes)
	pkt, err := s.sessions.Decoder(id).Encode(id, serverMarker, ts, nil, payload)
	if err != nil {
		return fmt.Errorf("encode for session %d: %w", id, err)
	}

	if _, err := conn.WriteToUDPAddrPort(pkt, addr); err != nil {
		s.sendFails.Inc()
		return fmt.Errorf("send to %s: %w", addr, err)
	}

	elapsed := time.Since(start)
	s.registry.RecordSend(elapsed)
	s.metrics.RecordDatagramSent(elapsed.Seconds())
	return nil
}

// Statistics is a point-in-time view of the server for the HTTP API.
type Statistics struct {
	Running           bool           `json:"running"`
	Port              int            `json:"port"`
	ControlPort       int            `json:"control_port"`
	StartTime         time.Time      `json:"start_time"`
	DatagramsReceived int64          `json:"datagrams_received"`
	QueueFull         int64          `json:"queue_full"`
	SendFailures      int64          `json:"send_failures"`
	Sessions          int            `json:"sessions"`
	PeakSessions      int64          `json:"peak_sessions"`
	Sockets           int            `json:"sockets"`
	Pool              worker.Stats   `json:"pool"`
	Mux               mux.Stats      `json:"mux"`
	Bans              banlist.Stats  `json:"bans"`
	ControlRequests   int64          `json:"control_requests"`
	ControlDropped    int64          `json:"control_dropped"`
	Rotations         int64          `json:"rotations"`
	Current           stats.Snapshot `json:"current"`
	LastPeriod        stats.Snapshot `json:"last_period"`
	Cumulative        stats.Snapshot `json:"cumulative"`
}

// Statistics returns the current server statistics
func (s *Server) Statistics() Statistics {
	st := Statistics{
		Running:           s.Running(),
		Port:              s.Port(),
		ControlPort:       s.ControlPort(),
		DatagramsReceived: s.received.Get(),
		QueueFull:         s.queueFull.Get(),
		SendFailures:      s.sendFails.Get(),
		Sessions:          s.sessions.Count(),
		PeakSessions:      s.sessions.PeakCount(),
		Rotations:         s.registry.Rotations(),
		Current:           s.registry.Current().Snapshot(),
		LastPeriod:        s.registry.LastPeriod().Snapshot(),
		Cumulative:        s.registry.Cumulative().Snapshot(),
	}

	s.mu.RLock()
	pool, m, ctrl := s.pool, s.mux, s.ctrl
	st.StartTime = s.started
	s.mu.RUnlock()

	if pool != nil {
		st.Pool = pool.Stats()
	}
	if m != nil {
		st.Mux = m.Stats()
		st.Sockets = m.Len()
	}
	if ctrl != nil {
		st.ControlRequests = ctrl.Requests()
		st.ControlDropped = ctrl.Dropped()
	}
	if s.bans != nil {
		st.Bans = s.bans.Stats()
	}
	return st
}

// refreshGauges brings the sampled Prometheus gauges up to date.
func (s *Server) refreshGauges() {
	s.metrics.SetActiveSessions(s.sessions.Count())

	s.mu.RLock()
	pool, m := s.pool, s.mux
	s.mu.RUnlock()
	if pool != nil {
		s.metrics.SetQueueSize(pool.QueueLen())
	}
	if m != nil {
		s.metrics.SetRegisteredSockets(m.Len())
	}
}

func listen(host string, port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}
	return conn, nil
}

func closeAll(conns ...*net.UDPConn) {
	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}
}
