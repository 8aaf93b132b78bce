//go:build linux

package echoserver

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(WithListenAddr(":0"), WithThreads(2), WithBufferSize(64))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("server did not shut down in time")
		}
	})
	return s
}

func TestEchoFidelitySingleConnection(t *testing.T) {
	s := startTestServer(t)
	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte((i % 26) + 'A')
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := readFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo mismatch")
	}
}

func TestEchoFidelityAcrossBufferBoundary(t *testing.T) {
	s := startTestServer(t)
	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Buffer size is 64; send more than that in one write to force the
	// "flush mid-stream" path in drainAndEcho.
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte((i % 26) + 'A')
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := readFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo mismatch at buffer boundary")
	}
}

func TestManyConcurrentConnections(t *testing.T) {
	s := startTestServer(t)
	const n = 200
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			conn, err := net.Dial("tcp", s.Addr())
			if err != nil {
				errCh <- err
				return
			}
			defer conn.Close()
			msg := []byte("hello")
			if _, err := conn.Write(msg); err != nil {
				errCh <- err
				return
			}
			got := make([]byte, len(msg))
			if _, err := readFull(conn, got); err != nil {
				errCh <- err
				return
			}
			if !bytes.Equal(got, msg) {
				errCh <- errMismatch
				return
			}
			errCh <- nil
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("connection %d failed: %v", i, err)
		}
	}
}

var errMismatch = &mismatchError{}

type mismatchError struct{}

func (*mismatchError) Error() string { return "echo mismatch" }

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
