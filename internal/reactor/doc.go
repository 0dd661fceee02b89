// Package reactor provides the single-goroutine event loop that owns all
// protocol state.
//
// Network I/O is performed by per-connection pump goroutines that block in the
// Go netpoller and report what happened (bytes read, a write finished, an
// error) by emitting Events. Those events, together with closures handed to
// Post and timer callbacks, are only ever run from inside Tick, on the
// goroutine that drives the reactor. Code running on the loop therefore never
// needs a lock to touch protocol or buffer state.
//
// A Tick cycle:
//
//  1. calls every source's Tick hook
//  2. asks sources with Writable interest to flush their queues
//  3. waits for events until the timeout or the next timer deadline
//  4. dispatches every pending event and posted closure
//  5. fires due timers
//
// The reactor never schedules itself; a caller drives it, typically with Run.
package reactor
