// Package session keeps the table of established peer connections.
//
// A handshake datagram (session id 0) creates a session for its sender; every
// other datagram must name a live session. A background routine counts
// sessions that miss their keep-alives and destroys the ones that stay silent
// past the timeout.
package session
