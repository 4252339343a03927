//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package server

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"time"
)

func recvFrom(conn *net.UDPConn, buf []byte) (int, netip.AddrPort, error) {
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, from, err := conn.ReadFromUDPAddrPort(buf)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, netip.AddrPort{}, errWouldBlock
	}
	return n, from, err
}
