//go:build linux || darwin || freebsd || netbsd || openbsd

package server

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// recvFrom reads one pending datagram without waiting. It returns
// errWouldBlock when the socket has nothing queued.
func recvFrom(conn *net.UDPConn, buf []byte) (int, netip.AddrPort, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, netip.AddrPort{}, fmt.Errorf("syscall conn: %w", err)
	}

	var (
		n    int
		from unix.Sockaddr
		rerr error
	)
	err = rc.Read(func(fd uintptr) bool {
		n, from, rerr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if rerr != nil {
		if errors.Is(rerr, unix.EAGAIN) || errors.Is(rerr, unix.EWOULDBLOCK) || errors.Is(rerr, unix.EINTR) {
			return 0, netip.AddrPort{}, errWouldBlock
		}
		return 0, netip.AddrPort{}, rerr
	}

	switch sa := from.(type) {
	case *unix.SockaddrInet4:
		return n, netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	case *unix.SockaddrInet6:
		return n, netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)), nil
	default:
		return n, netip.AddrPort{}, fmt.Errorf("unexpected source address %T", from)
	}
}
