package stats

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/wangfeng1004/Cumulus/internal/counter"
	"github.com/wangfeng1004/Cumulus/internal/mux"
)

// BuildTime is stamped at link time with
// -ldflags "-X github.com/wangfeng1004/Cumulus/internal/stats.BuildTime=...".
var BuildTime = "unknown"

const (
	timeLayout = "Jan 02 2006 15:04:05"

	helpReply    = "Commands: help status\n"
	unknownReply = "Please type in `help` for details.\n"

	maxCommandSize = 1024
)

// StatusProvider renders the full multi-line status report.
type StatusProvider interface {
	StatusString() string
}

// StatusFunc adapts a plain function to StatusProvider.
type StatusFunc func() string

func (f StatusFunc) StatusString() string { return f() }

// ControlHandler serves the line-oriented operator protocol on a UDP socket
// registered with the multiplexer. Every request gets one datagram back.
type ControlHandler struct {
	status  StatusProvider
	started time.Time
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	requests counter.Counter
	dropped  counter.Counter
	buf      []byte
}

// NewControlHandler creates a control handler. A nil limiter answers every
// request.
func NewControlHandler(status StatusProvider, started time.Time, limiter *rate.Limiter, logger *slog.Logger) *ControlHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlHandler{
		status:  status,
		started: started,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "control")),
		now:     time.Now,
		buf:     make([]byte, maxCommandSize),
	}
}

// Respond builds the reply to one command line. Trailing CR and LF are
// ignored.
func (h *ControlHandler) Respond(cmd string) string {
	cmd = strings.TrimRight(cmd, "\r\n")

	var sb strings.Builder
	fmt.Fprintf(&sb, "Cumulus server, build time: %s, start time: %s, cur time: %s\n",
		BuildTime, h.started.Format(timeLayout), h.now().Format(timeLayout))

	switch cmd {
	case "status":
		sb.WriteString(h.status.StatusString())
	case "help":
		sb.WriteString(helpReply)
	default:
		sb.WriteString(unknownReply)
	}
	return sb.String()
}

// Requests counts datagrams received on the control socket.
func (h *ControlHandler) Requests() int64 { return h.requests.Get() }

// Dropped counts requests refused by the reply limiter.
func (h *ControlHandler) Dropped() int64 { return h.dropped.Get() }

// OnReadable reads one command and sends the reply to its sender.
func (h *ControlHandler) OnReadable(s mux.Socket) error {
	conn, ok := s.(*net.UDPConn)
	if !ok {
		return fmt.Errorf("control: unsupported socket type %T", s)
	}

	// readiness was just signalled; the deadline only guards a spurious wakeup
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, addr, err := conn.ReadFromUDP(h.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}
		return fmt.Errorf("control: read: %w", err)
	}
	h.requests.Inc()

	if h.limiter != nil && !h.limiter.Allow() {
		h.dropped.Inc()
		h.logger.Debug("Control request dropped by limiter", slog.String("from", addr.String()))
		return nil
	}

	reply := h.Respond(string(h.buf[:n]))
	if _, err := conn.WriteToUDP([]byte(reply), addr); err != nil {
		return fmt.Errorf("control: reply to %s: %w", addr, err)
	}
	return nil
}

// OnWritable is unused; replies are written inline.
func (h *ControlHandler) OnWritable(mux.Socket) error { return nil }

// OnError logs socket and handler failures. The socket stays registered.
func (h *ControlHandler) OnError(_ mux.Socket, err error) {
	h.logger.Warn("Control socket error", slog.String("error", err.Error()))
}

// WantsWrite always reports false.
func (h *ControlHandler) WantsWrite(mux.Socket) bool { return false }
