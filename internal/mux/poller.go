package mux

import (
	"errors"
	"time"
)

// ErrSocket is reported when the kernel flags an error condition on a socket
// without a pending SO_ERROR value.
var ErrSocket = errors.New("mux: socket error condition")

// Interest asks the poller to watch one descriptor. Read and error readiness
// are always watched.
type Interest struct {
	FD    int
	Write bool
}

// Readiness is one ready descriptor, identified by its position in the
// interest list passed to Wait.
type Readiness struct {
	Index    int
	Readable bool
	Writable bool
	Err      error
}

// Poller waits for readiness across a batch of descriptors.
type Poller interface {
	// Wait blocks for at most timeout and returns the ready subset of
	// interests. An interrupted wait returns no readiness and no error.
	Wait(interests []Interest, timeout time.Duration) ([]Readiness, error)
}
