package main

import (
	"io"
	"os"
)

// outputSink is a CSV destination that may or may not need closing,
// mirroring controller.c's "outputFile = (outputFile ? outputFile : stdout)"
// fallback.
type outputSink struct {
	w      io.Writer
	closer io.Closer
}

func (s *outputSink) close() {
	if s.closer != nil {
		_ = s.closer.Close()
	}
}

func openOutput(path string) (*outputSink, error) {
	if path == "" {
		return &outputSink{w: os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &outputSink{w: f, closer: f}, nil
}
