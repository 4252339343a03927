// Package counter provides a 64-bit signed counter that is safe for concurrent
// increment, add, assign and read from many goroutines, plus a "keep the larger
// value" update used to track peaks.
//
// Two backends exist behind the same API. The default uses sync/atomic. Building
// with the lockcounter tag swaps in a mutex-guarded value with identical
// observable behaviour, for targets where native 64-bit atomics are unwanted.
package counter
