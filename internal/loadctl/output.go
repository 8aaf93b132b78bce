package loadctl

import (
	"fmt"
	"io"
)

// OutputWriter writes the controller's results file, per spec §6.6: a
// header line followed by one space-padded row per successful volley. This
// is deliberately fmt.Fprintf rather than encoding/csv — the format is
// fixed-width padded text with ", " separators, not RFC 4180 CSV, and the
// original source builds it the same way with sprintf/fprintf.
type OutputWriter struct {
	w io.Writer
}

// NewOutputWriter writes the header row and returns a writer for the
// per-volley rows that follow.
func NewOutputWriter(w io.Writer) (*OutputWriter, error) {
	if _, err := fmt.Fprintf(w, "Connections, minTime, maxTime, cumulative\n"); err != nil {
		return nil, err
	}
	return &OutputWriter{w: w}, nil
}

// WriteRow appends one volley's aggregate, matching reportTest's
// "%10.3f" formatting on the client side.
func (o *OutputWriter) WriteRow(connections int, minMS, maxMS, sumMS float64) error {
	_, err := fmt.Fprintf(o.w, "%6d,%10.3f, %10.3f, %10.3f\n", connections, minMS, maxMS, sumMS)
	return err
}
