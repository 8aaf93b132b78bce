//go:build !linux

package loadclient

import (
	"github.com/andrewburian/echoload/internal/protocol"
	"github.com/andrewburian/echoload/internal/readiness"
)

// TestPlan stub: the client's reply-await loop is specified in terms of
// Linux epoll (internal/readiness); this keeps the package importable
// elsewhere without pretending to provide working semantics.
type TestPlan struct {
	bufSet, serverSet, clientsSet, iterationsSet bool
}

func NewTestPlan() (*TestPlan, error) { return nil, readiness.ErrUnsupportedPlatform }

func (t *TestPlan) Ready() bool { return false }
func (t *TestPlan) Close()      {}

func (t *TestPlan) SetTarget(host string, port int) {}
func (t *TestPlan) SetSize(n int)                   {}
func (t *TestPlan) SetIterations(n int)             {}
func (t *TestPlan) NumSockets() int                 { return 0 }

func (t *TestPlan) Grow(n int) error { return readiness.ErrUnsupportedPlatform }

func (t *TestPlan) RunTest() protocol.Result {
	return protocol.Result{Code: protocol.CodeSocketError}
}
