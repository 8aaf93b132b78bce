// Package readiness wraps a single shared edge-triggered readiness
// instance (Linux epoll) used by both the echo server's worker pool and
// the load client's reply-await loop.
//
// A Poller is safe for concurrent Wait calls from multiple goroutines: the
// kernel delivers each edge event to exactly one waiter, so no additional
// locking is required around the shared instance itself. Go's runtime
// parks a goroutine blocked in the underlying epoll_wait syscall off its
// OS thread, so a pool of goroutines each looping on Wait behaves like the
// "fixed pool of T worker threads" the spec calls for without this package
// spawning threads explicitly.
package readiness
