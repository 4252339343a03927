// Package mux shares a dynamic set of sockets between one polling goroutine
// and the handlers that consume their readiness events.
//
// Registration state lives in a map guarded by a single mutex. Each poll
// iteration copies the interest list out from under that mutex before the
// blocking wait, so Register and Unregister never wait on poll(2). Dispatch
// holds a per-entry reference around every handler call; once an entry is
// marked dead no new reference can be taken, and Unregister returns only after
// the references already held have been released.
package mux
