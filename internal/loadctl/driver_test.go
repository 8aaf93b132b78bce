package loadctl

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/andrewburian/echoload/internal/protocol"
)

// fakeClient reads the static plan, then answers each COUNT+TEST pair it
// receives on one end of a net.Pipe with the next RESULT from a fixed
// script, and closes its end once the script is exhausted.
func fakeClient(t *testing.T, results []protocol.Result) net.Conn {
	t.Helper()
	clientEnd, driverEnd := net.Pipe()
	go func() {
		r := bufio.NewReader(clientEnd)
		// Static plan: TARGET, SIZE, CYCLES.
		for i := 0; i < 3; i++ {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
		for _, res := range results {
			if _, err := r.ReadString('\n'); err != nil { // COUNT
				return
			}
			if _, err := r.ReadString('\n'); err != nil { // TEST
				return
			}
			if err := protocol.WriteResult(clientEnd, res); err != nil {
				return
			}
		}
		clientEnd.Close()
	}()
	return driverEnd
}

func TestRunVolleysReductionAndTermination(t *testing.T) {
	// Two clients, each good for one successful volley then disconnecting.
	c1 := fakeClient(t, []protocol.Result{{Code: 0, MinMS: 1, MaxMS: 3, SumMS: 4}})
	c2 := fakeClient(t, []protocol.Result{{Code: 0, MinMS: 2, MaxMS: 5, SumMS: 7}})

	d := NewDriver([]net.Conn{c1, c2}, nil)
	var out bytes.Buffer
	ow, err := NewOutputWriter(&out)
	if err != nil {
		t.Fatalf("NewOutputWriter: %v", err)
	}

	d.RunVolleys(VolleyConfig{
		ServerHost:      "127.0.0.1",
		ServerPort:      7000,
		DataSize:        8,
		Iterations:      1,
		BaseConnections: 2,
		Increment:       2,
	}, ow)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if lines[0] != "Connections, minTime, maxTime, cumulative" {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	if len(lines) < 2 {
		t.Fatalf("expected at least one data row, got %q", out.String())
	}
	// min(1,2)=1, max(3,5)=5, sum=4+7=11
	want := "     2,     1.000,      5.000,     11.000"
	if lines[1] != want {
		t.Fatalf("row 1 = %q, want %q", lines[1], want)
	}
}

func TestRunVolleysStopsOnNonZeroCode(t *testing.T) {
	c1 := fakeClient(t, []protocol.Result{{Code: 3}})

	d := NewDriver([]net.Conn{c1}, nil)
	var out bytes.Buffer
	ow, err := NewOutputWriter(&out)
	if err != nil {
		t.Fatalf("NewOutputWriter: %v", err)
	}

	d.RunVolleys(VolleyConfig{
		ServerHost:      "127.0.0.1",
		ServerPort:      1,
		DataSize:        8,
		Iterations:      1,
		BaseConnections: 1,
		Increment:       1,
	}, ow)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected only the header row on immediate failure, got %q", out.String())
	}
}

func TestCeilDiv(t *testing.T) {
	cases := []struct{ a, b, want int }{
		{5, 2, 3},
		{4, 2, 2},
		{1, 3, 1},
		{0, 3, 0},
	}
	for _, c := range cases {
		if got := ceilDiv(c.a, c.b); got != c.want {
			t.Errorf("ceilDiv(%d,%d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
