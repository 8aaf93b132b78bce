//go:build linux

package loadclient

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/andrewburian/echoload/internal/protocol"
)

// startEchoFixture is a bare stdlib TCP echo listener used only to exercise
// TestPlan against a real socket; it is test scaffolding, not the module's
// own echo server.
func startEchoFixture(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()
	return ln.Addr().String()
}

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return h, port
}

func TestTestPlanReadyInvariant(t *testing.T) {
	plan, err := NewTestPlan()
	if err != nil {
		t.Fatalf("NewTestPlan: %v", err)
	}
	defer plan.Close()

	if plan.Ready() {
		t.Fatal("plan should not be ready before any command")
	}
	addr := startEchoFixture(t)
	host, port := hostPort(t, addr)
	plan.SetTarget(host, port)
	plan.SetSize(8)
	plan.SetIterations(1)
	if plan.Ready() {
		t.Fatal("plan should not be ready before COUNT")
	}
	if err := plan.Grow(1); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if !plan.Ready() {
		t.Fatal("plan should be ready once all four commands observed")
	}
}

func TestTestPlanSingleClientSingleIteration(t *testing.T) {
	addr := startEchoFixture(t)
	host, port := hostPort(t, addr)

	plan, err := NewTestPlan()
	if err != nil {
		t.Fatalf("NewTestPlan: %v", err)
	}
	defer plan.Close()

	plan.SetTarget(host, port)
	plan.SetSize(8)
	plan.SetIterations(1)
	if err := plan.Grow(1); err != nil {
		t.Fatalf("Grow: %v", err)
	}

	result := plan.RunTest()
	if result.Code != protocol.CodeSuccess {
		t.Fatalf("expected success, got code %d", result.Code)
	}
	if result.MinMS != result.MaxMS || result.MaxMS != result.SumMS {
		t.Fatalf("single sample should have min == max == sum, got %+v", result)
	}
}

func TestTestPlanGrowthAcrossCounts(t *testing.T) {
	addr := startEchoFixture(t)
	host, port := hostPort(t, addr)

	plan, err := NewTestPlan()
	if err != nil {
		t.Fatalf("NewTestPlan: %v", err)
	}
	defer plan.Close()

	plan.SetTarget(host, port)
	plan.SetSize(16)
	plan.SetIterations(1)

	if err := plan.Grow(2); err != nil {
		t.Fatalf("Grow(2): %v", err)
	}
	if err := plan.Grow(5); err != nil {
		t.Fatalf("Grow(5): %v", err)
	}
	if plan.NumSockets() != 5 {
		t.Fatalf("expected 5 sockets after growth, got %d", plan.NumSockets())
	}

	result := plan.RunTest()
	if result.Code != protocol.CodeSuccess {
		t.Fatalf("expected success, got code %d", result.Code)
	}
}

func TestTestPlanConnectRefused(t *testing.T) {
	// Bind and immediately close to obtain a port nothing is listening on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port := hostPort(t, ln.Addr().String())
	ln.Close()

	plan, err := NewTestPlan()
	if err != nil {
		t.Fatalf("NewTestPlan: %v", err)
	}
	defer plan.Close()

	plan.SetTarget(host, port)
	plan.SetSize(8)
	plan.SetIterations(1)

	// First connect failing invalidates the plan outright rather than
	// surfacing a pending code (mirrors create_and_connect's i==0 branch).
	if err := plan.Grow(1); err == nil {
		t.Fatal("expected Grow to fail against a closed port")
	}
	if plan.Ready() {
		t.Fatal("plan should not be ready after the first-ever connect fails")
	}
}

func TestTestPlanPartialBatchFailureKeepsReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port := hostPort(t, ln.Addr().String())

	// Accept exactly the first inbound connection, then tear the listener
	// down so any further connect against this port sees connection
	// refused: a listener that accepts one and refuses the rest.
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
		}
		ln.Close()
	}()

	plan, err := NewTestPlan()
	if err != nil {
		t.Fatalf("NewTestPlan: %v", err)
	}
	defer plan.Close()

	plan.SetTarget(host, port)
	plan.SetSize(8)
	plan.SetIterations(1)

	// A single COUNT growing from 0 to 2: the first socket in the batch
	// connects, and the second sees the listener already torn down. This
	// is the scenario the loop-invariant firstEver bug missed —
	// len(t.sockets) must be re-checked at the point of each failure, not
	// computed once before the loop, or the still-good first socket gets
	// discarded along with the plan being wrongly marked not-ready.
	if err := plan.Grow(2); err == nil {
		t.Fatal("expected Grow to fail on the second socket in the batch")
	}
	if plan.NumSockets() != 1 {
		t.Fatalf("expected the first, already-connected socket to survive, got %d sockets", plan.NumSockets())
	}
	if !plan.Ready() {
		t.Fatal("plan should remain ready: only a later socket in the batch failed, not the first the plan ever opened")
	}

	result := plan.RunTest()
	if result.Code == protocol.CodeSuccess {
		t.Fatalf("expected RunTest to surface the pending failure code instead of running, got success: %+v", result)
	}
}

// TestTestPlanFullSizeRepliesAtBufferBoundary checks that a 1024-byte
// payload comes back at full size on every socket; RunTest compares reply
// lengths, not reply bytes.
func TestTestPlanFullSizeRepliesAtBufferBoundary(t *testing.T) {
	addr := startEchoFixture(t)
	host, port := hostPort(t, addr)

	plan, err := NewTestPlan()
	if err != nil {
		t.Fatalf("NewTestPlan: %v", err)
	}
	defer plan.Close()

	plan.SetTarget(host, port)
	plan.SetSize(1024)
	plan.SetIterations(2)
	if err := plan.Grow(3); err != nil {
		t.Fatalf("Grow: %v", err)
	}

	result := plan.RunTest()
	if result.Code != protocol.CodeSuccess {
		t.Fatalf("expected success, got code %d", result.Code)
	}
	if result.SumMS < result.MaxMS {
		t.Fatalf("sum should be at least as large as any single max, got %+v", result)
	}
}

func TestSessionNotReadyYieldsErr(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = NewSession(serverConn, nil).Run(context.Background())
	}()

	if _, err := clientConn.Write([]byte("TEST\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := bufio.NewReader(clientConn).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[:3] != "ERR" {
		t.Fatalf("expected ERR line, got %q", reply)
	}
	clientConn.Close()
	<-done
}
