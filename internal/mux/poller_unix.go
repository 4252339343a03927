//go:build linux || darwin || freebsd || netbsd || openbsd

package mux

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

type pollPoller struct {
	fds []unix.PollFd
}

// NewPoller returns the poll(2) backend.
func NewPoller() (Poller, error) {
	return &pollPoller{}, nil
}

func (p *pollPoller) Wait(interests []Interest, timeout time.Duration) ([]Readiness, error) {
	p.fds = p.fds[:0]
	for _, in := range interests {
		events := int16(unix.POLLIN)
		if in.Write {
			events |= unix.POLLOUT
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(in.FD), Events: events})
	}

	ms := int(timeout / time.Millisecond)
	if ms == 0 && timeout > 0 {
		ms = 1
	}

	n, err := unix.Poll(p.fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]Readiness, 0, n)
	for i, fd := range p.fds {
		if fd.Revents == 0 {
			continue
		}
		r := Readiness{Index: i}
		if fd.Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			r.Readable = true
		}
		if fd.Revents&unix.POLLOUT != 0 {
			r.Writable = true
		}
		switch {
		case fd.Revents&unix.POLLNVAL != 0:
			r.Err = unix.EBADF
		case fd.Revents&unix.POLLERR != 0:
			r.Err = socketError(int(fd.Fd))
		}
		ready = append(ready, r)
	}
	return ready, nil
}

// socketError reads and clears the pending SO_ERROR of fd.
func socketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if v != 0 {
		return syscall.Errno(v)
	}
	return ErrSocket
}
