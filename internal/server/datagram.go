package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/wangfeng1004/Cumulus/internal/metrics"
	"github.com/wangfeng1004/Cumulus/internal/mux"
	"github.com/wangfeng1004/Cumulus/internal/protocol"
	"github.com/wangfeng1004/Cumulus/internal/stats"
	"github.com/wangfeng1004/Cumulus/internal/worker"
)

// readBatch caps the datagrams read per readiness event so one busy socket
// cannot starve the others.
const readBatch = 64

var errWouldBlock = errors.New("no datagram pending")

// State is how far a datagram got.
type State int

const (
	// Received is a datagram read from the socket and not yet checked.
	Received State = iota
	// RejectedBanned came from a banned host and was dropped unread.
	RejectedBanned
	// RejectedMalformed was shorter than protocol.MinPacketSize.
	RejectedMalformed
	// Unpacked has its session id extracted and owns a copy of its bytes.
	Unpacked
	// RejectedQueueFull found its worker's queue full.
	RejectedQueueFull
	// Queued is waiting on a worker.
	Queued
	// RejectedDecrypt failed to decrypt or verify on the worker.
	RejectedDecrypt
	// RejectedUnknownSession decoded but named no live session.
	RejectedUnknownSession
	// Completed was delivered to its session and its latency recorded.
	Completed
)

var stateNames = [...]string{
	Received:               "received",
	RejectedBanned:         "rejected_banned",
	RejectedMalformed:      "rejected_malformed",
	Unpacked:               "unpacked",
	RejectedQueueFull:      "rejected_queue_full",
	Queued:                 "queued",
	RejectedDecrypt:        "rejected_decrypt_error",
	RejectedUnknownSession: "rejected_unknown_session",
	Completed:              "completed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Datagram is the record produced by the receive step. It is not modified
// after receive returns; the worker only reads it.
type Datagram struct {
	data    []byte // nil unless the datagram was unpacked
	size    int
	from    netip.AddrPort
	id      uint32
	created time.Time
	state   State
}

// From is the sender, with IPv4-mapped addresses unmapped.
func (d *Datagram) From() netip.AddrPort { return d.from }

// SessionID is the id extracted by Unpack, 0 for handshakes.
func (d *Datagram) SessionID() uint32 { return d.id }

// Size is the datagram length as read.
func (d *Datagram) Size() int { return d.size }

// Created is when the datagram was read; latency is measured from it.
func (d *Datagram) Created() time.Time { return d.created }

// State is the state reached by the receive step.
func (d *Datagram) State() State { return d.state }

// receive reads one pending datagram from conn and runs the synchronous
// checks on it. buf is reused by the caller.
func (s *Server) receive(conn *net.UDPConn, buf []byte) (*Datagram, error) {
	n, from, err := recvFrom(conn, buf)
	if err != nil {
		return nil, err
	}
	s.received.Inc()
	s.metrics.RecordDatagramReceived()
	return s.admit(buf[:n], from, time.Now()), nil
}

// admit rejects banned senders and undersized frames and extracts the session
// id from the rest. data is copied only when the datagram is accepted.
func (s *Server) admit(data []byte, from netip.AddrPort, created time.Time) *Datagram {
	d := &Datagram{
		size:    len(data),
		from:    netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
		created: created,
		state:   Received,
	}

	if s.bans != nil && s.bans.IsBanned(d.from.Addr()) {
		d.state = RejectedBanned
		s.reject(d, RejectedBanned, stats.RejectedBanned, metrics.ReasonBanned, nil)
		return d
	}

	// Unpack refuses anything shorter than protocol.MinPacketSize
	id, err := protocol.Unpack(data)
	if err != nil {
		d.state = RejectedMalformed
		s.reject(d, RejectedMalformed, stats.RejectedMalformed, metrics.ReasonMalformed, err)
		return d
	}

	d.id = id
	d.data = bytes.Clone(data)
	d.state = Unpacked
	return d
}

// submit queues an unpacked datagram on the worker that owns its session.
func (s *Server) submit(pool *worker.Pool, d *Datagram) State {
	err := pool.Submit(func() { s.process(d) }, d.id)
	if err != nil {
		s.queueFull.Inc()
		s.metrics.RecordRejection(metrics.ReasonQueueFull)
		s.logRejection(d, RejectedQueueFull, err)
		return RejectedQueueFull
	}
	s.metrics.SetQueueSize(pool.QueueLen())
	return Queued
}

// process runs on a worker: decode, route to the session, record latency.
// Failures are final; a datagram that does not decode never will.
func (s *Server) process(d *Datagram) State {
	env, err := s.sessions.Decoder(d.id).Decode(d.data)
	if err != nil {
		s.reject(d, RejectedDecrypt, stats.DecryptError, metrics.ReasonDecryptError, err)
		return RejectedDecrypt
	}

	sess, err := s.sessions.LookupOrCreate(d.id, d.from, env)
	if err != nil {
		s.reject(d, RejectedUnknownSession, stats.UnknownSession, metrics.ReasonUnknownSession, err)
		return RejectedUnknownSession
	}
	s.sessions.Deliver(sess, env)

	if env.FirstChunk() == protocol.ChunkKeepAlive {
		if err := s.Send(sess.Peer, sess.ID, []byte{protocol.ChunkKeepAliveReply, 0, 0}); err != nil {
			s.logger.Debug("Keep-alive reply failed",
				slog.Uint64("session_id", uint64(sess.ID)),
				slog.String("error", err.Error()),
			)
		}
	}

	latency := time.Since(d.created)
	s.registry.RecordRecv(latency)
	s.metrics.RecordDatagramProcessed(latency.Seconds())
	return Completed
}

func (s *Server) reject(d *Datagram, state State, e stats.Event, reason string, err error) {
	s.registry.Inc(e)
	s.metrics.RecordRejection(reason)
	s.logRejection(d, state, err)
}

func (s *Server) logRejection(d *Datagram, state State, err error) {
	s.rejectLog.Do(func() {
		attrs := []any{
			slog.String("reason", state.String()),
			slog.String("from", d.from.String()),
			slog.Int("size", d.size),
			slog.Uint64("session_id", uint64(d.id)),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		s.logger.Debug("Datagram dropped", attrs...)
	})
}

// rtmfpHandler feeds the RTMFP socket into the worker pool.
type rtmfpHandler struct {
	srv  *Server
	pool *worker.Pool
	buf  []byte
}

func (h *rtmfpHandler) OnReadable(sock mux.Socket) error {
	conn, ok := sock.(*net.UDPConn)
	if !ok {
		return fmt.Errorf("rtmfp: unsupported socket type %T", sock)
	}

	for i := 0; i < readBatch; i++ {
		d, err := h.srv.receive(conn, h.buf)
		if errors.Is(err, errWouldBlock) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("rtmfp: receive: %w", err)
		}
		if d.state == Unpacked {
			h.srv.submit(h.pool, d)
		}
	}
	return nil
}

func (h *rtmfpHandler) OnWritable(mux.Socket) error { return nil }

func (h *rtmfpHandler) OnError(_ mux.Socket, err error) {
	h.srv.logger.Warn("RTMFP socket error", slog.String("error", err.Error()))
}

func (h *rtmfpHandler) WantsWrite(mux.Socket) bool { return false }
