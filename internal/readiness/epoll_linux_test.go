//go:build linux

package readiness

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestPollerEdgeTriggeredReadAndClose(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	a, b := fds[0], fds[1]
	defer unix.Close(a)

	if err := unix.SetNonblock(b, true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}

	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	if err := p.Add(b); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := unix.Write(a, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	batch := NewBatch(4)
	events, err := p.Wait(batch, 1000)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 1 || events[0].Fd != b || !events[0].Readable {
		t.Fatalf("unexpected events: %+v", events)
	}

	buf := make([]byte, 16)
	n, err := unix.Read(b, buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("read: n=%d err=%v", n, err)
	}

	unix.Close(a)
	events, err = p.Wait(batch, 1000)
	if err != nil {
		t.Fatalf("Wait after close: %v", err)
	}
	if len(events) != 1 || !(events[0].HangUp || events[0].Readable) {
		t.Fatalf("expected hangup/EOF event, got %+v", events)
	}
}
