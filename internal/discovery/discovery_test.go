package discovery

import (
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"
)

// TestDiscoverableRoundTrip drives discoverable() against a hand-crafted
// probe datagram (rather than relying on broadcast delivery, which
// sandboxed test networks often block) and checks the resulting TCP
// connection's peer matches the probe's source, per spec §8's discovery
// round-trip property.
func TestDiscoverableRoundTrip(t *testing.T) {
	const probePort = 17171

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen callback: %v", err)
	}
	defer ln.Close()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	callbackPort, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse callback port: %v", err)
	}

	acceptedAddr := make(chan string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		acceptedAddr <- c.RemoteAddr().String()
	}()

	result := make(chan net.Conn, 1)
	errs := make(chan error, 1)
	go func() {
		conn, err := Discoverable(probePort, 5*time.Second)
		if err != nil {
			errs <- err
			return
		}
		result <- conn
	}()

	time.Sleep(50 * time.Millisecond) // let Discoverable bind before probing

	probeConn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: probePort})
	if err != nil {
		t.Fatalf("dial udp probe: %v", err)
	}
	defer probeConn.Close()
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(callbackPort))
	if _, err := probeConn.Write(payload); err != nil {
		t.Fatalf("send probe: %v", err)
	}

	select {
	case conn := <-result:
		defer conn.Close()
		gotHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		wantHost, _, _ := net.SplitHostPort(probeConn.LocalAddr().String())
		if gotHost != wantHost {
			t.Fatalf("connect-back peer %s, want probe source %s", gotHost, wantHost)
		}
	case err := <-errs:
		t.Fatalf("Discoverable error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Discoverable to connect back")
	}

	select {
	case <-acceptedAddr:
	case <-time.After(5 * time.Second):
		t.Fatal("callback connection never arrived")
	}
}

func TestDiscoverableTimeout(t *testing.T) {
	_, err := Discoverable(17172, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error when no probe arrives")
	}
}
