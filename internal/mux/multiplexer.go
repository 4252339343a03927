package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/wangfeng1004/Cumulus/internal/counter"
)

// DefaultPollTimeout bounds every readiness wait.
const DefaultPollTimeout = 10 * time.Millisecond

var (
	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("mux: multiplexer closed")

	// ErrUnregister may be returned by a handler callback to remove its own
	// socket. The callback that returns it is the last one for that socket.
	ErrUnregister = errors.New("mux: unregister")

	// ErrHandlerPanic wraps a panic recovered from a handler callback.
	ErrHandlerPanic = errors.New("mux: handler panic")
)

// Socket is anything that exposes its descriptor, such as *net.UDPConn.
type Socket interface {
	SyscallConn() (syscall.RawConn, error)
}

// Handler consumes readiness events for the sockets registered under it.
// Callbacks run on the polling goroutine; a slow callback delays every other
// socket, so long work belongs on a worker.
type Handler interface {
	OnReadable(s Socket) error
	OnWritable(s Socket) error
	OnError(s Socket, err error)
	WantsWrite(s Socket) bool
}

// Config holds the multiplexer options.
type Config struct {
	PollTimeout time.Duration
	Poller      Poller
	Logger      *slog.Logger
}

// Stats are lifetime dispatch counters.
type Stats struct {
	Iterations    int64 `json:"iterations"`
	Dispatches    int64 `json:"dispatches"`
	SkippedDead   int64 `json:"skipped_dead"`
	HandlerErrors int64 `json:"handler_errors"`
	Panics        int64 `json:"panics"`
}

// Multiplexer owns the registration set and the polling goroutine.
type Multiplexer struct {
	mu      sync.Mutex
	entries map[Socket]*entry
	closed  bool

	pollMu  sync.Mutex
	poller  Poller
	timeout time.Duration
	logger  *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	iterations    counter.Counter
	dispatches    counter.Counter
	skippedDead   counter.Counter
	handlerErrors counter.Counter
	panics        counter.Counter
}

// New creates a multiplexer. The platform poller is used unless cfg supplies
// one.
func New(cfg Config) (*Multiplexer, error) {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Poller == nil {
		p, err := NewPoller()
		if err != nil {
			return nil, err
		}
		cfg.Poller = p
	}

	return &Multiplexer{
		entries: make(map[Socket]*entry),
		poller:  cfg.Poller,
		timeout: cfg.PollTimeout,
		logger:  cfg.Logger.With(slog.String("component", "mux")),
	}, nil
}

// Register adds s under h. Registering a socket that is already present is a
// no-op.
func (m *Multiplexer) Register(s Socket, h Handler) error {
	if s == nil || h == nil {
		return errors.New("mux: nil socket or handler")
	}

	fd, err := descriptor(s)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.entries[s]; ok {
		return nil
	}
	m.entries[s] = newEntry(s, h, fd)

	m.logger.Debug("Socket registered", slog.Int("fd", fd), slog.Int("registered", len(m.entries)))
	return nil
}

// Unregister removes s and waits for callbacks already running for it to
// return. No callback for s starts after Unregister returns. OnReadable and
// OnWritable remove their own socket by returning ErrUnregister; OnError may
// call Unregister for its socket, in which case the OnError in progress is
// not waited for.
func (m *Multiplexer) Unregister(s Socket) bool {
	e := m.detach(s)
	if e == nil {
		return false
	}
	if e.reporting.Load() {
		return true
	}
	<-e.drained
	return true
}

// detach removes s from the set and marks its entry dead without waiting.
func (m *Multiplexer) detach(s Socket) *entry {
	m.mu.Lock()
	e, ok := m.entries[s]
	if ok {
		delete(m.entries, s)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	e.kill()
	m.logger.Debug("Socket unregistered", slog.Int("fd", e.fd))
	return e
}

// Len returns the number of registered sockets.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Running reports whether the polling goroutine is active.
func (m *Multiplexer) Running() bool {
	return m.running.Load()
}

// Stats returns the lifetime dispatch counters.
func (m *Multiplexer) Stats() Stats {
	return Stats{
		Iterations:    m.iterations.Get(),
		Dispatches:    m.dispatches.Get(),
		SkippedDead:   m.skippedDead.Get(),
		HandlerErrors: m.handlerErrors.Get(),
		Panics:        m.panics.Get(),
	}
}

// PollAndDispatch runs one iteration: snapshot the interest list, wait up to
// timeout, and call the handlers of every ready socket. With nothing
// registered it sleeps for timeout instead. Iterations are serialized.
func (m *Multiplexer) PollAndDispatch(ctx context.Context, timeout time.Duration) error {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	m.iterations.Inc()

	m.mu.Lock()
	batch := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		batch = append(batch, e)
	}
	m.mu.Unlock()

	if len(batch) == 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}

	interests := make([]Interest, len(batch))
	for i, e := range batch {
		interests[i] = Interest{FD: e.fd, Write: m.wantsWrite(e)}
	}

	ready, err := m.poller.Wait(interests, timeout)
	if err != nil {
		return err
	}

	for _, r := range ready {
		if r.Index < 0 || r.Index >= len(batch) {
			continue
		}
		m.dispatch(batch[r.Index], r)
	}
	return nil
}

func (m *Multiplexer) dispatch(e *entry, r Readiness) {
	if r.Err != nil {
		m.invoke(e, func(s Socket) error { return r.Err })
	}
	if r.Readable {
		m.invoke(e, e.handler.OnReadable)
	}
	if r.Writable {
		m.invoke(e, e.handler.OnWritable)
	}
}

// invoke calls fn under a dispatch reference. A dead entry is skipped. An
// error or panic from fn goes to the handler's OnError.
func (m *Multiplexer) invoke(e *entry, fn func(Socket) error) {
	if !e.acquire() {
		m.skippedDead.Inc()
		return
	}
	defer e.release()

	m.dispatches.Inc()
	err := m.call(fn, e.sock)
	if err == nil {
		return
	}
	if errors.Is(err, ErrUnregister) {
		m.detach(e.sock)
		return
	}

	m.handlerErrors.Inc()
	m.report(e, err)
}

func (m *Multiplexer) call(fn func(Socket) error, s Socket) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.panics.Inc()
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return fn(s)
}

func (m *Multiplexer) report(e *entry, err error) {
	e.reporting.Store(true)
	defer e.reporting.Store(false)
	defer func() {
		if r := recover(); r != nil {
			m.panics.Inc()
			m.logger.Warn("Error handler panicked",
				slog.Int("fd", e.fd),
				slog.Any("panic", r),
				slog.String("cause", err.Error()),
			)
		}
	}()
	e.handler.OnError(e.sock, err)
}

func (m *Multiplexer) wantsWrite(e *entry) (want bool) {
	defer func() {
		if r := recover(); r != nil {
			m.panics.Inc()
			want = false
		}
	}()
	return e.handler.WantsWrite(e.sock)
}

// Start launches the polling goroutine. Calling Start on a running
// multiplexer is a no-op.
func (m *Multiplexer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running.Store(true)

	go m.loop(ctx, m.done)

	m.logger.Info("Multiplexer started", slog.Duration("poll_timeout", m.timeout))
	return nil
}

func (m *Multiplexer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.running.Store(false)

	for ctx.Err() == nil {
		m.iterate(ctx)
	}
}

func (m *Multiplexer) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.panics.Inc()
			m.logger.Warn("Poll iteration panicked", slog.Any("panic", r))
		}
	}()

	err := m.PollAndDispatch(ctx, m.timeout)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	m.logger.Warn("Poll iteration failed", slog.String("error", err.Error()))
	// back off so a persistent poll failure does not spin
	select {
	case <-ctx.Done():
	case <-time.After(m.timeout):
	}
}

// Close stops the polling goroutine, waits for it to exit, and drops every
// registration. Register fails afterwards.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[Socket]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.kill()
		<-e.drained
	}

	m.logger.Info("Multiplexer closed", slog.Int("released", len(entries)))
	return nil
}

func descriptor(s Socket) (int, error) {
	rc, err := s.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("mux: syscall conn: %w", err)
	}
	fd := -1
	if err := rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, fmt.Errorf("mux: control: %w", err)
	}
	return fd, nil
}
