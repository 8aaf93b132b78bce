package loadclient

import (
	"context"
	"io"
	"log/slog"
	"net"

	"github.com/andrewburian/echoload/internal/metrics"
	"github.com/andrewburian/echoload/internal/protocol"
)

// Session drives one control-channel connection to completion, the Go
// counterpart of preptest.c's main while(1) loop: read a command, dispatch
// it against a TestPlan, reply where the protocol calls for one, repeat
// until DONE, KILL, or disconnect.
type Session struct {
	conn   net.Conn
	lr     *protocol.LineReader
	logger *slog.Logger
}

// NewSession wraps conn (the callback connection returned by
// discovery.Discoverable) for one control session.
func NewSession(conn net.Conn, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{conn: conn, lr: protocol.NewLineReader(conn), logger: logger}
}

// Run processes commands until the session ends. killed reports whether a
// KILL command was received, in which case the caller should exit the
// process entirely rather than return to discovery (mirrors main.c's
// prepTest return value).
func (s *Session) Run(ctx context.Context) (killed bool, err error) {
	plan, err := NewTestPlan()
	if err != nil {
		return false, err
	}
	defer plan.Close()

	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		line, rerr := s.lr.ReadLine()
		if rerr != nil {
			if rerr == io.EOF {
				return false, nil
			}
			return false, rerr
		}

		cmd, perr := protocol.ParseCommand(line)
		if perr != nil {
			s.logger.Warn("bad_command", "line", line, "error", perr)
			continue
		}

		switch cmd.Kind {
		case protocol.CmdTarget:
			plan.SetTarget(cmd.Host, cmd.Port)

		case protocol.CmdSize:
			plan.SetSize(cmd.N)

		case protocol.CmdCount:
			if err := plan.Grow(cmd.N); err != nil {
				s.logger.Warn("count_failed", "n", cmd.N, "error", err)
				metrics.IncError(mapErrToMetric(err))
			}
			metrics.SetSocketsOpen(plan.NumSockets())

		case protocol.CmdCycles:
			plan.SetIterations(cmd.N)

		case protocol.CmdTest:
			if !plan.Ready() {
				_ = protocol.WriteErr(s.conn, "Not Ready to test")
				continue
			}
			result := plan.RunTest()
			metrics.IncTestRun()
			metrics.IncResultCode(result.Code)
			metrics.SetLastLatencies(result.MinMS, result.MaxMS, result.SumMS)
			if err := protocol.WriteResult(s.conn, result); err != nil {
				return false, err
			}

		case protocol.CmdDone:
			return false, nil

		case protocol.CmdKill:
			return true, nil
		}
	}
}
