// File: internal/netutil/netutil_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package netutil

import (
	"net"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/momentics/tcpmux/internal/addr"
)

func mustAddr(t *testing.T, s string) addr.IPAddr {
	t.Helper()
	a, err := addr.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return a
}

func TestSockaddrRoundTrip(t *testing.T) {
	for _, s := range []string{"127.0.0.1:8080", "[::1]:9090"} {
		a := mustAddr(t, s)
		sa, err := ToSockaddr(a)
		if err != nil {
			t.Fatalf("ToSockaddr(%s): %v", a, err)
		}
		back := FromSockaddr(sa)
		if back.String() != a.String() {
			t.Errorf("round trip %s -> %s", a, back)
		}
	}
}

func TestToSockaddrUnspecified(t *testing.T) {
	if _, err := ToSockaddr(addr.IPAddr{}); err == nil {
		t.Error("unspecified endpoint accepted")
	}
}

func TestListenStreamResolvesPort(t *testing.T) {
	fd, err := ListenStream(mustAddr(t, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("ListenStream: %v", err)
	}
	defer unix.Close(fd)

	bound, err := LocalAddr(fd)
	if err != nil {
		t.Fatalf("LocalAddr: %v", err)
	}
	if bound.Port() == 0 {
		t.Error("port 0 not resolved to a bound port")
	}
}

func TestConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	fd, err := Connect(addr.IPAddr{}, mustAddr(t, ln.Addr().String()))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer unix.Close(fd)

	remote, err := RemoteAddr(fd)
	if err != nil {
		t.Fatalf("RemoteAddr: %v", err)
	}
	if remote.String() != ln.Addr().String() {
		t.Errorf("remote = %s, want %s", remote, ln.Addr())
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dead := ln.Addr().String()
	ln.Close()

	if _, err := Connect(addr.IPAddr{}, mustAddr(t, dead)); err == nil {
		t.Error("connect to closed port succeeded")
	}
}
