//go:build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7) implementation of the Reactor interface. Level-triggered
// on purpose: relay halves park and resume interest instead of tracking
// edge state.

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const maxEvents = 128

// Epoll is the epoll-backed Reactor. It is owned by a single worker
// thread and is not safe for concurrent use.
type Epoll struct {
	epfd    int
	cbs     map[int]Callback
	events  []unix.EpollEvent
	stopped bool
}

// NewEpoll creates an epoll instance with close-on-exec set.
func NewEpoll() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Epoll{
		epfd:   epfd,
		cbs:    make(map[int]Callback),
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

// Add registers fd with the given interest and callback.
func (e *Epoll) Add(fd int, interest Interest, cb Callback) error {
	ev := unix.EpollEvent{Events: epollMask(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd=%d: %w", fd, err)
	}
	e.cbs[fd] = cb
	return nil
}

// Set replaces fd's interest set.
func (e *Epoll) Set(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: epollMask(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. The descriptor itself stays open.
func (e *Epoll) Remove(fd int) error {
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd=%d: %w", fd, err)
	}
	delete(e.cbs, fd)
	return nil
}

// Run blocks in epoll_wait and dispatches callbacks until Stop is called
// or the interest list becomes empty.
func (e *Epoll) Run() error {
	for !e.stopped && len(e.cbs) > 0 {
		n, err := unix.EpollWait(e.epfd, e.events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			ev := e.events[i]
			// A callback earlier in the batch may have removed this fd.
			cb, ok := e.cbs[int(ev.Fd)]
			if !ok {
				continue
			}
			cb(readiness(ev.Events))
		}
	}
	return nil
}

// Stop makes Run return after the current dispatch round.
func (e *Epoll) Stop() { e.stopped = true }

// Close releases the epoll descriptor.
func (e *Epoll) Close() error { return unix.Close(e.epfd) }

func epollMask(interest Interest) uint32 {
	var events uint32
	if interest&Read != 0 {
		events |= unix.EPOLLIN
	}
	if interest&Write != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func readiness(events uint32) Interest {
	var ready Interest
	if events&unix.EPOLLIN != 0 {
		ready |= Read
	}
	if events&unix.EPOLLOUT != 0 {
		ready |= Write
	}
	// Hangup and error conditions surface through the next read/write.
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ready |= Read | Write
	}
	return ready
}
