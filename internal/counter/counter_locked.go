//go:build lockcounter

package counter

import "sync"

// Backend names the implementation compiled into this binary.
const Backend = "mutex"

// Counter is a 64-bit counter. The zero value is ready to use and holds 0.
// A Counter must not be copied after first use; use CopyFrom instead.
type Counter struct {
	mu sync.Mutex
	v  int64
}

// New returns a counter holding v.
func New(v int64) *Counter {
	return &Counter{v: v}
}

// Get returns the current value.
func (c *Counter) Get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// Set assigns v.
func (c *Counter) Set(v int64) {
	c.mu.Lock()
	c.v = v
	c.mu.Unlock()
}

// Add adds delta and returns the new value.
func (c *Counter) Add(delta int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v += delta
	return c.v
}

// Inc increments and returns the new value.
func (c *Counter) Inc() int64 {
	return c.Add(1)
}

// Dec decrements and returns the new value.
func (c *Counter) Dec() int64 {
	return c.Add(-1)
}

// PostInc increments and returns the previous value.
func (c *Counter) PostInc() int64 {
	return c.Add(1) - 1
}

// PostDec decrements and returns the previous value.
func (c *Counter) PostDec() int64 {
	return c.Add(-1) + 1
}

// BumpToMax stores candidate if it is strictly greater than the current value.
// It reports whether the value changed.
func (c *Counter) BumpToMax(candidate int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if candidate <= c.v {
		return false
	}
	c.v = candidate
	return true
}
