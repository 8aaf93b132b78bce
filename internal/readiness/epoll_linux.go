//go:build linux

package readiness

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Event describes one readiness notification for a registered descriptor.
type Event struct {
	Fd       int
	Readable bool
	Error    bool
	HangUp   bool
}

// Poller is a shared edge-triggered readiness instance.
type Poller struct {
	epfd int
}

// New creates a new epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{epfd: fd}, nil
}

// Add registers fd for edge-triggered read, error, and hangup events. One
// shot re-arming is not used: each event type is handled to exhaustion by
// the caller before returning to Wait, which is the whole point of
// edge-triggered semantics here.
func (p *Poller) Add(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add %d: %w", fd, err)
	}
	return nil
}

// Remove drops fd from the interest set without closing it. Closing a
// registered fd removes interest implicitly; Remove exists for the rare
// case a descriptor must stop being watched while staying open.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del %d: %w", fd, err)
	}
	return nil
}

// Close releases the epoll instance itself.
func (p *Poller) Close() error { return unix.Close(p.epfd) }

// Batch is a reusable scratch buffer for Wait, one per waiting goroutine,
// to avoid an allocation on every call. Not safe for concurrent use.
type Batch struct {
	raw []unix.EpollEvent
}

// NewBatch allocates a Batch able to report up to n events per Wait call.
func NewBatch(n int) *Batch {
	if n < 1 {
		n = 1
	}
	return &Batch{raw: make([]unix.EpollEvent, n)}
}

// ErrClosed is returned by Wait when it is called on a poller that has
// already been closed. Closing the poller does not wake a goroutine that is
// already blocked in Wait; that waiter returns only on an event or when its
// timeout elapses.
var ErrClosed = errors.New("readiness: poller closed")

// Wait blocks until at least one registered descriptor is ready or the
// timeout (milliseconds; -1 blocks forever) elapses; on an already closed
// instance it returns ErrClosed. The returned slice is freshly allocated
// on each call; b supplies the raw event buffer the kernel fills.
func (p *Poller) Wait(b *Batch, timeoutMS int) ([]Event, error) {
	for {
		n, err := unix.EpollWait(p.epfd, b.raw, timeoutMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EBADF {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("epoll_wait: %w", err)
		}
		out := make([]Event, n)
		for i := 0; i < n; i++ {
			e := b.raw[i]
			out[i] = Event{
				Fd:       int(e.Fd),
				Readable: e.Events&unix.EPOLLIN != 0,
				Error:    e.Events&unix.EPOLLERR != 0,
				HangUp:   e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			}
		}
		return out, nil
	}
}
