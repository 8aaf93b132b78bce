//go:build windows

package discovery

import "net"

// setBroadcast is a best-effort no-op on Windows, where the core
// epoll-based server and client are unsupported anyway (see
// internal/readiness's stub); the discovery transport alone stays
// importable for cross-compilation of the controller.
func setBroadcast(pc *net.UDPConn) error { return nil }
