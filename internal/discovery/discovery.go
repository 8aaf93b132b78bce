// Package discovery implements the broadcast-and-accept rendezvous that
// lets a controller find load clients on a trusted broadcast-enabled LAN,
// per spec §4.1.
//
// The wire format is a single UDP datagram carrying a 4-byte big-endian
// integer: the TCP port the sender is listening on for a callback
// connection. Network byte order was chosen to resolve spec §9's open
// question about the original implementation's host-endian datagram
// (which only interoperates between same-endianness peers); this is a
// deliberate behavioral deviation from the original source.
package discovery

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// DefaultTimeout is applied to Discover's accept-loop idle window when the
// caller passes a zero timeout, per spec §5.
const DefaultTimeout = 3 * time.Second

// Discover broadcasts a discovery probe on broadcastPort and accepts
// callback connections on callbackPort until maxPeers connections have
// arrived or timeout has elapsed with no further arrivals.
//
// Failure to send the probe datagram fails the call outright. Once at
// least one peer has connected, further accept errors are tolerated and
// the partial result is returned, mirroring discover.c's loop.
func Discover(broadcastPort, callbackPort, maxPeers int, timeout time.Duration) ([]net.Conn, error) {
	if maxPeers <= 0 {
		return nil, nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", callbackPort))
	if err != nil {
		return nil, fmt.Errorf("discovery: listen callback port %d: %w", callbackPort, err)
	}
	defer ln.Close()

	if err := broadcastProbe(broadcastPort, callbackPort); err != nil {
		return nil, err
	}

	var conns []net.Conn
	for len(conns) < maxPeers {
		if tc, ok := ln.(*net.TCPListener); ok {
			_ = tc.SetDeadline(time.Now().Add(timeout))
		}
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			if len(conns) > 0 {
				break
			}
			return nil, fmt.Errorf("discovery: accept: %w", err)
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

// broadcastProbe sends the 4-byte callback-port payload to the limited
// broadcast address on broadcastPort.
func broadcastProbe(broadcastPort, callbackPort int) error {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("discovery: open broadcast socket: %w", err)
	}
	defer conn.Close()
	if pc, ok := conn.(*net.UDPConn); ok {
		if err := setBroadcast(pc); err != nil {
			return fmt.Errorf("discovery: enable broadcast: %w", err)
		}
	}

	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(callbackPort))

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: broadcastPort}
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return fmt.Errorf("discovery: broadcast send: %w", err)
	}
	return nil
}

// Discoverable waits for an incoming discovery probe on listenPort
// (indefinitely if timeout is zero), connects back to the sender on the
// port named in the probe, and returns the connected socket. A failed
// connect-back is tolerated: the caller goes back to waiting for another
// probe rather than failing, mirroring discoverable()'s retry loop.
// Failures before the first successful bind are fatal.
func Discoverable(listenPort int, timeout time.Duration) (net.Conn, error) {
	pc, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", listenPort))
	if err != nil {
		return nil, fmt.Errorf("discovery: bind listen port %d: %w", listenPort, err)
	}
	defer pc.Close()

	buf := make([]byte, 4)
	for {
		if timeout > 0 {
			_ = pc.SetReadDeadline(time.Now().Add(timeout))
		}
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, fmt.Errorf("discovery: %w", errTimeout)
			}
			return nil, fmt.Errorf("discovery: receive probe: %w", err)
		}
		if n != 4 {
			continue
		}
		port := binary.BigEndian.Uint32(buf)

		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			host = addr.String()
		}
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 5*time.Second)
		if err != nil {
			// Connect-back failed; keep waiting for another probe.
			continue
		}
		return conn, nil
	}
}

var errTimeout = fmt.Errorf("timed out waiting for discovery probe")
