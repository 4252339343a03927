// Package worker provides the bounded pool that decodes and routes datagrams
// off the polling goroutine.
package worker
