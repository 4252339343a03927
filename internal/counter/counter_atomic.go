//go:build !lockcounter

package counter

import "sync/atomic"

// Backend names the implementation compiled into this binary.
const Backend = "atomic"

// Counter is a 64-bit counter. The zero value is ready to use and holds 0.
// A Counter must not be copied after first use; use CopyFrom instead.
type Counter struct {
	v atomic.Int64
}

// New returns a counter holding v.
func New(v int64) *Counter {
	c := &Counter{}
	c.v.Store(v)
	return c
}

// Get returns the current value.
func (c *Counter) Get() int64 {
	return c.v.Load()
}

// Set assigns v.
func (c *Counter) Set(v int64) {
	c.v.Store(v)
}

// Add adds delta and returns the new value.
func (c *Counter) Add(delta int64) int64 {
	return c.v.Add(delta)
}

// Inc increments and returns the new value.
func (c *Counter) Inc() int64 {
	return c.v.Add(1)
}

// Dec decrements and returns the new value.
func (c *Counter) Dec() int64 {
	return c.v.Add(-1)
}

// PostInc increments and returns the previous value.
func (c *Counter) PostInc() int64 {
	return c.v.Add(1) - 1
}

// PostDec decrements and returns the previous value.
func (c *Counter) PostDec() int64 {
	return c.v.Add(-1) + 1
}

// BumpToMax stores candidate if it is strictly greater than the current value.
// It reports whether the value changed.
func (c *Counter) BumpToMax(candidate int64) bool {
	for {
		cur := c.v.Load()
		if candidate <= cur {
			return false
		}
		if c.v.CompareAndSwap(cur, candidate) {
			return true
		}
	}
}
