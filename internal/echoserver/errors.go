package echoserver

import (
	"errors"

	"github.com/andrewburian/echoload/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrReadiness = errors.New("readiness")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrAccept):
		return metrics.ErrAccept
	case errors.Is(err, ErrListen), errors.Is(err, ErrReadiness):
		return metrics.ErrReadiness
	default:
		return "other"
	}
}
