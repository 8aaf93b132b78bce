// Package loadctl implements the controller's client-state machine and
// volley loop, per spec §4.4: broadcast the static plan, then repeatedly
// grow the connection count and run a TEST across every discovered client,
// reducing their RESULTs into one output row per volley.
package loadctl

import (
	"io"
	"log/slog"
	"math"
	"net"

	"github.com/andrewburian/echoload/internal/metrics"
	"github.com/andrewburian/echoload/internal/protocol"
)

// client is one discovered load generator's control channel. lost marks a
// slot whose socket read failed (0-byte read or parse error); sendAll skips
// lost clients from then on, per spec §5's "absent sentinel" rule.
type client struct {
	conn net.Conn
	lr   *protocol.LineReader
	lost bool
}

// Driver owns the discovered client set for one controller run.
type Driver struct {
	clients []*client
	logger  *slog.Logger
}

// NewDriver wraps the connections returned by discovery.Discover.
func NewDriver(conns []net.Conn, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	cs := make([]*client, len(conns))
	for i, c := range conns {
		cs[i] = &client{conn: c, lr: protocol.NewLineReader(c)}
	}
	return &Driver{clients: cs, logger: logger}
}

// NumClients reports how many clients are still live.
func (d *Driver) NumClients() int {
	n := 0
	for _, c := range d.clients {
		if !c.lost {
			n++
		}
	}
	return n
}

func (d *Driver) sendAll(write func(io.Writer) error) {
	for _, c := range d.clients {
		if c.lost {
			continue
		}
		if err := write(c.conn); err != nil {
			d.logger.Warn("client_send_failed", "error", err)
			metrics.IncError(metrics.ErrConnWrite)
			c.lost = true
		}
	}
}

func (d *Driver) sendTarget(host string, port int) {
	d.sendAll(func(w io.Writer) error { return protocol.WriteTarget(w, host, port) })
}
func (d *Driver) sendSize(n int) {
	d.sendAll(func(w io.Writer) error { return protocol.WriteSize(w, n) })
}
func (d *Driver) sendCount(n int) {
	d.sendAll(func(w io.Writer) error { return protocol.WriteCount(w, n) })
}
func (d *Driver) sendCycles(n int) {
	d.sendAll(func(w io.Writer) error { return protocol.WriteCycles(w, n) })
}
func (d *Driver) sendTest() {
	d.sendAll(func(w io.Writer) error { return protocol.WriteSimple(w, protocol.CmdTest) })
}

// SendDone ends every live client's control session, returning it to
// discovery, per spec §4.4 step 3.
func (d *Driver) SendDone() {
	d.sendAll(func(w io.Writer) error { return protocol.WriteSimple(w, protocol.CmdDone) })
}

// SendKill terminates every discovered client's process, the controller's
// --kill mode.
func (d *Driver) SendKill() {
	d.sendAll(func(w io.Writer) error { return protocol.WriteSimple(w, protocol.CmdKill) })
}

// Aggregate is the controller-side per-volley reduction across clients,
// per spec §3: min of minima, max of maxima, scalar sum of sums.
type Aggregate struct {
	MinMS, MaxMS, SumMS float64
}

// collectResults reads one reply line from every still-live client and
// reduces the successful ones into an Aggregate, mirroring recvAll's
// behavior: a 0-byte read or malformed line drops that client permanently
// and is treated the same as a disconnect (code CodeClientUnreachable); any
// client-reported non-zero RESULT code is returned as-is so the caller can
// look it up with protocol.Describe, short-circuiting the rest of the
// volley loop exactly as recvAll's early "return code" does.
func (d *Driver) collectResults() (Aggregate, int) {
	agg := Aggregate{MinMS: math.MaxFloat64}
	code := 0
	any := false

	if d.NumClients() == 0 {
		return Aggregate{}, protocol.CodeClientUnreachable
	}

	for _, c := range d.clients {
		if c.lost {
			continue
		}
		line, err := c.lr.ReadLine()
		if err != nil {
			c.lost = true
			if code == 0 {
				code = protocol.CodeClientUnreachable
			}
			continue
		}
		reply, perr := protocol.ParseReply(line)
		if perr != nil {
			d.logger.Warn("bad_reply", "line", line, "error", perr)
			c.lost = true
			if code == 0 {
				code = protocol.CodeClientUnreachable
			}
			continue
		}
		if reply.IsErr {
			d.logger.Warn("client_err", "msg", reply.ErrMsg)
			if code == 0 {
				code = protocol.CodeClientUnreachable
			}
			continue
		}
		metrics.IncResultCode(reply.Result.Code)
		if reply.Result.Code != protocol.CodeSuccess {
			if code == 0 {
				code = reply.Result.Code
			}
			continue
		}
		any = true
		if reply.Result.MinMS < agg.MinMS {
			agg.MinMS = reply.Result.MinMS
		}
		if reply.Result.MaxMS > agg.MaxMS {
			agg.MaxMS = reply.Result.MaxMS
		}
		agg.SumMS += reply.Result.SumMS
	}
	if !any {
		agg.MinMS = 0
	}
	return agg, code
}

// VolleyConfig is the static and growth part of the test plan the
// controller broadcasts, per spec §6.5's controller CLI surface.
type VolleyConfig struct {
	ServerHost      string
	ServerPort      int
	DataSize        int
	Iterations      int // CYCLES
	BaseConnections int
	Increment       int
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

// RunVolleys implements the controller's post-discovery main loop, per
// spec §4.4: broadcast the static plan, then repeatedly grow the
// connection count and run a TEST across every client, writing one output
// row per successful volley until a client reports a non-zero code.
// Grounded on controller.c's main() while(1) loop and recvAll/sendAll.
func (d *Driver) RunVolleys(cfg VolleyConfig, out *OutputWriter) {
	d.sendTarget(cfg.ServerHost, cfg.ServerPort)
	d.sendSize(cfg.DataSize)
	d.sendCycles(cfg.Iterations)

	total := cfg.BaseConnections
	numClients := d.NumClients()

	for {
		perClient := ceilDiv(total, numClients)
		total = perClient * numClients

		metrics.IncVolley()
		d.sendCount(perClient)
		d.sendTest()

		agg, code := d.collectResults()
		if code != protocol.CodeSuccess {
			d.logger.Warn("volley_failed", "total_connections", total, "code", code,
				"reason", protocol.Describe(code))
			break
		}

		if err := out.WriteRow(total, agg.MinMS, agg.MaxMS, agg.SumMS); err != nil {
			d.logger.Error("output_write_failed", "error", err)
			break
		}
		d.logger.Info("volley_ok", "total_connections", total, "min_ms", agg.MinMS,
			"max_ms", agg.MaxMS, "sum_ms", agg.SumMS)

		total += cfg.Increment
	}

	d.SendDone()
}
