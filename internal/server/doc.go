// Package server implements the RTMFP server core: the UDP and control sockets
// shared through the multiplexer, the two-step datagram pipeline (a
// synchronous receive on the polling goroutine, decode and session routing on
// a worker), the session hooks used by the protocol layer, and the HTTP
// monitoring API.
package server
