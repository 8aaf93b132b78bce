package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseCommandRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTarget(&buf, "10.0.0.1", 7000); err != nil {
		t.Fatal(err)
	}
	line := strings.TrimRight(buf.String(), "\n")
	cmd, err := ParseCommand(line)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Kind != CmdTarget || cmd.Host != "10.0.0.1" || cmd.Port != 7000 {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestParseCommandMalformedIsSkippable(t *testing.T) {
	if _, err := ParseCommand("SIZE notanumber"); err == nil {
		t.Fatal("expected error for malformed SIZE")
	}
	if _, err := ParseCommand("BOGUS"); err == nil {
		t.Fatal("expected error for unrecognized command")
	}
}

func TestResultRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Result{Code: 0, MinMS: 1.5, MaxMS: 9.125, SumMS: 12.75}
	if err := WriteResult(&buf, want); err != nil {
		t.Fatal(err)
	}
	line := strings.TrimRight(buf.String(), "\n")
	reply, err := ParseReply(line)
	if err != nil {
		t.Fatal(err)
	}
	if reply.IsErr {
		t.Fatalf("unexpected err reply: %+v", reply)
	}
	if reply.Result.Code != want.Code {
		t.Fatalf("code mismatch: %+v", reply.Result)
	}
	if reply.Result.MinMS != want.MinMS || reply.Result.MaxMS != want.MaxMS || reply.Result.SumMS != want.SumMS {
		t.Fatalf("latency mismatch: got %+v want %+v", reply.Result, want)
	}
}

func TestParseReplyErr(t *testing.T) {
	reply, err := ParseReply("ERR Not Ready to test")
	if err != nil {
		t.Fatal(err)
	}
	if !reply.IsErr || reply.ErrMsg != "Not Ready to test" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestLineReader(t *testing.T) {
	r := NewLineReader(strings.NewReader("TARGET 1.2.3.4 9000\nSIZE 8\n"))
	line, err := r.ReadLine()
	if err != nil || line != "TARGET 1.2.3.4 9000" {
		t.Fatalf("line=%q err=%v", line, err)
	}
	line, err = r.ReadLine()
	if err != nil || line != "SIZE 8" {
		t.Fatalf("line=%q err=%v", line, err)
	}
	if _, err := r.ReadLine(); err == nil {
		t.Fatal("expected EOF on third read")
	}
}

func TestDescribeKnownAndUnknownCodes(t *testing.T) {
	if Describe(CodeSuccess) == "" {
		t.Fatal("expected non-empty description")
	}
	if got := Describe(9999); got == "" {
		t.Fatal("expected fallback description for unknown code")
	}
}
