//go:build linux

package loadclient

import (
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/andrewburian/echoload/internal/protocol"
	"github.com/andrewburian/echoload/internal/readiness"
	"golang.org/x/sys/unix"
)

// TestPlan is the client-side test state described in spec §3: the target,
// payload, socket pool, and iteration count, mutable during prep and frozen
// for the duration of one TEST. Grounded on client.h's struct testData and
// preptest.c's assembly of it across TARGET/SIZE/COUNT/CYCLES.
type TestPlan struct {
	host string
	port int

	bufLen  int
	dataBuf []byte

	iterations int

	sockets []int
	poller  *readiness.Poller

	// pendingCode carries a connect failure observed during Grow forward to
	// the next RunTest, since COUNT itself has no reply line on the control
	// channel (only TEST does).
	pendingCode int

	bufSet, serverSet, clientsSet, iterationsSet bool
}

// NewTestPlan creates the readiness instance a session's plan will share
// across every socket it ever opens, per §4.3 step 1 ("create a readiness
// instance once at session start").
func NewTestPlan() (*TestPlan, error) {
	p, err := readiness.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadiness, err)
	}
	return &TestPlan{poller: p}, nil
}

// Ready reports whether TARGET, SIZE, COUNT, and CYCLES have each been
// observed at least once, per spec §3's invariant.
func (t *TestPlan) Ready() bool {
	return t.bufSet && t.serverSet && t.clientsSet && t.iterationsSet
}

// Close tears down every socket this plan ever opened and its readiness
// instance. Called once the control session ends (DONE, KILL, or
// disconnect).
func (t *TestPlan) Close() {
	for _, fd := range t.sockets {
		_ = unix.Close(fd)
	}
	if t.poller != nil {
		_ = t.poller.Close()
	}
}

// SetTarget records the TARGET command's server address.
func (t *TestPlan) SetTarget(host string, port int) {
	t.host = host
	t.port = port
	t.serverSet = true
}

// SetSize allocates a fresh data_buf of n bytes cycling A..Z, per spec §3 and
// the TestPlan invariant that data_buf's length tracks buf_len exactly.
func (t *TestPlan) SetSize(n int) {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte((i % 26) + 'A')
	}
	t.bufLen = n
	t.dataBuf = buf
	t.bufSet = true
}

// SetIterations records the CYCLES command's per-TEST iteration count.
func (t *TestPlan) SetIterations(n int) {
	t.iterations = n
	t.iterationsSet = true
}

// Grow extends the socket pool from its current length up to n, per spec
// §4.3 step 2: create, register with the shared readiness instance, connect
// synchronously, then switch non-blocking once connect has completed.
//
// If the very first socket this plan ever attempts fails to connect (that
// is, len(t.sockets) is still 0 at the moment of that specific failure),
// the plan is left not-ready (mirrors create_and_connect's "i == 0" branch,
// which the caller in preptest.c reports as clientsSet = 0). This is
// re-checked at each failed connect within the loop, not precomputed once,
// so a later socket in a multi-socket COUNT failing after an earlier one
// in the same batch already succeeded takes the other branch below. A
// failure once at least one socket is established instead records a
// pending result code that the next TEST surfaces without running, and
// leaves the already-connected sockets in place: the monotonic-growth
// invariant on TestPlan.sockets gives no reason to tear down connections a
// prior COUNT already established, unlike the original source's teardown
// loop which closes the whole array on any later failure.
func (t *TestPlan) Grow(n int) error {
	if n <= len(t.sockets) {
		t.clientsSet = true
		return nil
	}

	ip := net.ParseIP(t.host)
	var ip4 [4]byte
	if ip != nil {
		if v4 := ip.To4(); v4 != nil {
			copy(ip4[:], v4)
		}
	}

	for i := len(t.sockets); i < n; i++ {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
		if err != nil {
			return fmt.Errorf("%w: socket: %v", ErrSocket, err)
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			_ = unix.Close(fd)
			return fmt.Errorf("%w: setsockopt reuseaddr: %v", ErrSocket, err)
		}
		if err := t.poller.Add(fd); err != nil {
			_ = unix.Close(fd)
			return fmt.Errorf("%w: %v", ErrReadiness, err)
		}

		sa := &unix.SockaddrInet4{Port: t.port, Addr: ip4}
		if err := unix.Connect(fd, sa); err != nil {
			_ = unix.Close(fd)
			if len(t.sockets) == 0 {
				t.clientsSet = false
				return fmt.Errorf("%w: %v", ErrConnect, err)
			}
			switch {
			case errors.Is(err, unix.ETIMEDOUT):
				t.pendingCode = protocol.CodeConnectTimeout
			case errors.Is(err, unix.ECONNREFUSED):
				t.pendingCode = protocol.CodeConnectRefused
			}
			return fmt.Errorf("%w: %v", ErrConnect, err)
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fd)
			return fmt.Errorf("%w: set nonblock: %v", ErrSocket, err)
		}
		t.sockets = append(t.sockets, fd)
	}
	t.clientsSet = true
	return nil
}

// NumSockets reports the current socket pool size, for metrics.
func (t *TestPlan) NumSockets() int { return len(t.sockets) }

// replyState tracks one socket's accumulated echo bytes across however many
// readiness events it takes to drain exactly buf_len of them, per the
// protocol-correctness note in spec §4.3 on short reads.
type replyState struct {
	buf  []byte
	got  int
	done bool
}

// RunTest runs one full TEST: iterations send/await cycles across every
// socket in the pool, reducing per-sample latency into min/max/sum, per
// spec §4.3 and §5's ordering guarantees. Grounded on runTest()/reportTest()
// in runtest.c, adapted to Go's readiness package and time.Duration (which
// makes the original's separate tv_sec/tv_usec normalization unnecessary).
func (t *TestPlan) RunTest() protocol.Result {
	if t.pendingCode != 0 {
		code := t.pendingCode
		t.pendingCode = 0
		return protocol.Result{Code: code}
	}

	n := len(t.sockets)
	fdIndex := make(map[int]int, n)
	for i, fd := range t.sockets {
		fdIndex[fd] = i
	}
	scratchLen := t.bufLen + t.bufLen/2

	var (
		code       int
		lowest     = time.Duration(math.MaxInt64)
		highest    time.Duration
		cumulative time.Duration
	)

	batch := readiness.NewBatch(n)

	for iter := 0; iter < t.iterations && code == 0; iter++ {
		starts := make([]time.Time, n)
		ends := make([]time.Time, n)
		states := make(map[int]*replyState, n)
		for _, fd := range t.sockets {
			states[fd] = &replyState{buf: make([]byte, scratchLen)}
		}

		for j, fd := range t.sockets {
			writeAll(fd, t.dataBuf)
			starts[j] = time.Now()
		}

		repliesLeft := n
		for repliesLeft > 0 && code == 0 {
			events, err := t.poller.Wait(batch, 10000)
			if err != nil {
				code = protocol.CodeSocketError
				break
			}
			if len(events) == 0 {
				code = protocol.CodeAwaitTimeout
				break
			}
			for _, ev := range events {
				idx, ok := fdIndex[ev.Fd]
				if !ok {
					continue
				}
				st := states[ev.Fd]
				if st == nil || st.done {
					continue
				}
				if ends[idx].IsZero() {
					ends[idx] = time.Now()
				}
				if ev.Error {
					code = protocol.CodeSocketError
					break
				}
				if ev.Readable {
					for st.got < len(st.buf) {
						rn, rerr := unix.Read(ev.Fd, st.buf[st.got:])
						if rn > 0 {
							st.got += rn
							continue
						}
						if rn == 0 {
							code = protocol.CodeHangup
							break
						}
						if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
							break
						}
						code = protocol.CodeSocketError
						break
					}
					if code != 0 {
						break
					}
					if st.got >= t.bufLen {
						if st.got != t.bufLen {
							code = protocol.CodeSizeDisagree
							break
						}
						st.done = true
						repliesLeft--
					}
				}
				if ev.HangUp && code == 0 && !st.done {
					code = protocol.CodeHangup
				}
			}
		}

		if code != 0 {
			break
		}

		for j := range t.sockets {
			d := ends[j].Sub(starts[j])
			if d < lowest {
				lowest = d
			}
			if d > highest {
				highest = d
			}
			cumulative += d
		}
	}

	if code != 0 {
		return protocol.Result{Code: code}
	}
	return protocol.Result{
		Code:  protocol.CodeSuccess,
		MinMS: msFromDuration(lowest),
		MaxMS: msFromDuration(highest),
		SumMS: msFromDuration(cumulative),
	}
}

func msFromDuration(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

// writeAll writes the full payload to fd, retrying on EINTR. A write error
// here is caught on the reply side (as a hangup or socket error event)
// rather than reported directly, mirroring runtest.c's unchecked send().
func writeAll(fd int, data []byte) {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		data = data[n:]
	}
}
