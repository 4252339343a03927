package mux

import "sync/atomic"

const deadBit = 1

// entry is the registration record for one socket. state packs the dead flag
// in bit 0 and the number of in-flight dispatch references above it.
type entry struct {
	sock    Socket
	handler Handler
	fd      int

	state   atomic.Int64
	drained chan struct{}

	// set while OnError runs for this entry
	reporting atomic.Bool
}

func newEntry(s Socket, h Handler, fd int) *entry {
	return &entry{
		sock:    s,
		handler: h,
		fd:      fd,
		drained: make(chan struct{}),
	}
}

// acquire takes a dispatch reference. It fails once the entry is dead.
func (e *entry) acquire() bool {
	for {
		s := e.state.Load()
		if s&deadBit != 0 {
			return false
		}
		if e.state.CompareAndSwap(s, s+2) {
			return true
		}
	}
}

func (e *entry) release() {
	if e.state.Add(-2) == deadBit {
		close(e.drained)
	}
}

// kill marks the entry dead. It reports false if it was already dead.
func (e *entry) kill() bool {
	for {
		s := e.state.Load()
		if s&deadBit != 0 {
			return false
		}
		if e.state.CompareAndSwap(s, s|deadBit) {
			if s == 0 {
				close(e.drained)
			}
			return true
		}
	}
}

func (e *entry) alive() bool {
	return e.state.Load()&deadBit == 0
}

func (e *entry) refs() int64 {
	return e.state.Load() >> 1
}
