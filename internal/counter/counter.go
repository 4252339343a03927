package counter

import "strconv"

// IsZero reports whether the counter currently holds 0.
func (c *Counter) IsZero() bool {
	return c.Get() == 0
}

// CopyFrom assigns the current value of o. The read of o and the write of c
// are two separate atomic steps.
func (c *Counter) CopyFrom(o *Counter) {
	c.Set(o.Get())
}

// String renders the value in base 10.
func (c *Counter) String() string {
	return strconv.FormatInt(c.Get(), 10)
}
