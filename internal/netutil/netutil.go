// File: internal/netutil/netutil.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package netutil wraps the raw socket syscalls tcpmux needs: listener and
// outbound connection construction, sockaddr conversion, and descriptor
// flags. All functions operate on plain file descriptors so the relay core
// can feed them straight into the reactor.
package netutil

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/momentics/tcpmux/internal/addr"
)

// listenBacklog matches the listen(2) backlog used by every listener.
const listenBacklog = 1024

// ToSockaddr converts an endpoint to the unix.Sockaddr of its family.
func ToSockaddr(a addr.IPAddr) (unix.Sockaddr, error) {
	if !a.IsValid() {
		return nil, fmt.Errorf("unspecified address")
	}
	if a.Is4() {
		return &unix.SockaddrInet4{Port: int(a.Port()), Addr: a.IP().As4()}, nil
	}
	return &unix.SockaddrInet6{Port: int(a.Port()), Addr: a.IP().As16()}, nil
}

// FromSockaddr converts a kernel sockaddr back to an endpoint. Unknown
// families yield the unspecified endpoint.
func FromSockaddr(sa unix.Sockaddr) addr.IPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return addr.From(netipAddr4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return addr.From(netipAddr16(v.Addr), uint16(v.Port))
	}
	return addr.IPAddr{}
}

// SetNonblock marks fd as non-blocking.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// LocalAddr returns the local endpoint bound to fd.
func LocalAddr(fd int) (addr.IPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return addr.IPAddr{}, err
	}
	return FromSockaddr(sa), nil
}

// RemoteAddr returns the peer endpoint of fd.
func RemoteAddr(fd int) (addr.IPAddr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return addr.IPAddr{}, err
	}
	return FromSockaddr(sa), nil
}

// ListenStream creates a non-blocking, close-on-exec listening socket bound
// to la with SO_REUSEADDR set. la's port may be 0 for an OS-assigned port;
// use LocalAddr to recover the bound endpoint.
func ListenStream(la addr.IPAddr) (int, error) {
	sa, err := ToSockaddr(la)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(family(la), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", la, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", la, err)
	}
	return fd, nil
}

// Connect opens a blocking outbound stream socket to dst, optionally bound
// to src first. The returned descriptor is connected and close-on-exec but
// still blocking; callers flip it non-blocking before handing it to a
// reactor.
func Connect(src, dst addr.IPAddr) (int, error) {
	dsa, err := ToSockaddr(dst)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(family(dst), unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if src.IsValid() {
		ssa, err := ToSockaddr(src)
		if err != nil {
			unix.Close(fd)
			return -1, err
		}
		if err := unix.Bind(fd, ssa); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("bind %s: %w", src, err)
		}
	}
	if err := unix.Connect(fd, dsa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", dst, err)
	}
	return fd, nil
}

func family(a addr.IPAddr) int {
	if a.Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func netipAddr4(b [4]byte) netip.Addr { return netip.AddrFrom4(b) }

// netipAddr16 unmaps v4-in-v6 so endpoints compare equal regardless of the
// socket family they were observed through.
func netipAddr16(b [16]byte) netip.Addr { return netip.AddrFrom16(b).Unmap() }
