//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package mux

import (
	"errors"
	"fmt"
)

// NewPoller reports that no readiness backend exists for this platform.
func NewPoller() (Poller, error) {
	return nil, fmt.Errorf("mux: poll backend: %w", errors.ErrUnsupported)
}
