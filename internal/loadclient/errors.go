package loadclient

import (
	"errors"

	"github.com/andrewburian/echoload/internal/metrics"
)

// Sentinel errors for wrapping, classified with errors.Is.
var (
	ErrReadiness = errors.New("readiness")
	ErrConnect   = errors.New("connect")
	ErrSocket    = errors.New("socket")
)

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnect):
		return metrics.ErrConnect
	case errors.Is(err, ErrReadiness):
		return metrics.ErrReadiness
	default:
		return "other"
	}
}
