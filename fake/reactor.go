// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package fake provides in-memory test doubles. The fake Reactor records
// registrations and interest changes and lets a test fire readiness
// synchronously, so relay state transitions can be driven without epoll.
package fake

import (
	"fmt"

	"github.com/momentics/tcpmux/reactor"
)

// Reactor is an in-memory reactor.Reactor.
type Reactor struct {
	cbs      map[int]reactor.Callback
	Interest map[int]reactor.Interest
	Removed  []int
	stopped  bool
}

// NewReactor creates an empty fake reactor.
func NewReactor() *Reactor {
	return &Reactor{
		cbs:      make(map[int]reactor.Callback),
		Interest: make(map[int]reactor.Interest),
	}
}

// Add registers fd.
func (r *Reactor) Add(fd int, interest reactor.Interest, cb reactor.Callback) error {
	if _, ok := r.cbs[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}
	r.cbs[fd] = cb
	r.Interest[fd] = interest
	return nil
}

// Set replaces fd's interest set.
func (r *Reactor) Set(fd int, interest reactor.Interest) error {
	if _, ok := r.cbs[fd]; !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	r.Interest[fd] = interest
	return nil
}

// Remove deregisters fd and records the removal.
func (r *Reactor) Remove(fd int) error {
	if _, ok := r.cbs[fd]; !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	delete(r.cbs, fd)
	delete(r.Interest, fd)
	r.Removed = append(r.Removed, fd)
	return nil
}

// Run is a no-op: tests drive dispatch with Fire.
func (r *Reactor) Run() error { return nil }

// Stop marks the reactor stopped.
func (r *Reactor) Stop() { r.stopped = true }

// Close is a no-op.
func (r *Reactor) Close() error { return nil }

// Stopped reports whether Stop was called.
func (r *Reactor) Stopped() bool { return r.stopped }

// Registered reports whether fd is currently registered.
func (r *Reactor) Registered(fd int) bool {
	_, ok := r.cbs[fd]
	return ok
}

// Fire invokes fd's callback with ready masked by the current interest,
// mimicking level-triggered delivery. Firing an unregistered fd is a
// no-op, like a stale event in an epoll batch.
func (r *Reactor) Fire(fd int, ready reactor.Interest) {
	cb, ok := r.cbs[fd]
	if !ok {
		return
	}
	ready &= r.Interest[fd]
	if ready == reactor.None {
		return
	}
	cb(ready)
}
