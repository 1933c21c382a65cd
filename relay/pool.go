// File: relay/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker pool construction and the accept path. All listeners are
// watched by worker 0; accepted descriptors are dispatched round-robin
// across the pool, skipping worker 0 when there is more than one worker
// so the acceptor stays lightly loaded.

package relay

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/tcpmux/reactor"
)

// Option customizes pool construction.
type Option func(*Pool)

// WithMaxBuffer overrides the per-direction pending-byte bound.
func WithMaxBuffer(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxBuf = n
		}
	}
}

// Pool is the set of workers serving the installed listeners. Built
// once, live for the whole process.
type Pool struct {
	workers   []*worker
	listeners []*Listener
	maxBuf    int

	// cursor is the round-robin dispatch position. Written and read only
	// on the acceptor worker's thread.
	cursor uint64

	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

// NewPool builds n workers (n < 1 means one per CPU), replicates the
// listen-fd table to every worker, and attaches every listener's accept
// watcher to worker 0. No worker is running yet.
func NewPool(n int, listeners []*Listener, opts ...Option) (*Pool, error) {
	if n < 1 {
		n = runtime.NumCPU()
	}
	if n < 1 {
		n = 1
	}

	p := &Pool{
		listeners: listeners,
		maxBuf:    DefaultMaxBuffer,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	// Write-once registry, shared read-only by every worker.
	tuples := make(map[int]Tuple, len(listeners))
	for _, l := range listeners {
		tuples[l.fd] = l.tuple
	}

	for i := 0; i < n; i++ {
		w, err := newWorker(i, p.maxBuf, tuples)
		if err != nil {
			p.destroy()
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}

	acceptor := p.workers[0]
	acceptor.listeners = listeners
	for _, l := range listeners {
		l := l
		if err := acceptor.r.Add(l.fd, reactor.Read, func(reactor.Interest) { p.accept(l) }); err != nil {
			p.destroy()
			return nil, fmt.Errorf("attach %s: %w", l.addr, err)
		}
	}

	log.WithFields(log.Fields{"size": n}).Debug("Create worker pool")
	return p, nil
}

// Run starts every worker on its own OS thread and blocks until all of
// them exit. It returns the first reactor error, if any.
func (p *Pool) Run() error {
	if p.closed.Load() {
		return fmt.Errorf("pool closed")
	}
	p.started.Store(true)

	var wg sync.WaitGroup
	errs := make(chan error, len(p.workers))
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			if err := w.run(); err != nil {
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(p.done)

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

// Close stops the pool: workers retire their relays, listeners and
// doorbells are closed, and Run returns. Safe to call more than once
// and before Run.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !p.started.Load() {
		// Never ran: no worker threads to race with.
		p.destroy()
		return nil
	}
	for _, w := range p.workers {
		w.stopping.Store(true)
		w.wake()
	}
	<-p.done
	return nil
}

// destroy tears down a pool whose workers never started.
func (p *Pool) destroy() {
	for _, w := range p.workers {
		w.shutdown()
		w.r.Close()
	}
	if len(p.workers) == 0 || p.workers[0].listeners == nil {
		// Listeners were never attached to a worker; close them here.
		for _, l := range p.listeners {
			unix.Close(l.fd)
		}
	}
}

// accept drains the listener's accept queue and hands each new
// connection to the next worker. Runs on worker 0's thread.
func (p *Pool) accept(l *Listener) {
	for {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if err == unix.EINTR {
				continue
			}
			log.WithFields(log.Fields{"fd": l.fd, "addr": l.addr, "err": err}).Error("Fail to accept")
			return
		}

		target := p.nextWorker()
		log.WithFields(log.Fields{"id": target.id, "client_fd": fd}).Trace("Notify worker to handle")
		if err := target.notify(handoff{listenFD: l.fd, clientFD: fd}); err != nil {
			log.WithFields(log.Fields{"id": target.id, "err": err}).Error("Fail to notify worker")
			unix.Close(fd)
		}
	}
}

// nextWorker advances the round-robin cursor, skipping the acceptor's
// own worker when the pool has more than one.
func (p *Pool) nextWorker() *worker {
	p.cursor++
	i := p.cursor % uint64(len(p.workers))
	if len(p.workers) > 1 && i == 0 {
		p.cursor++
		i = p.cursor % uint64(len(p.workers))
	}
	return p.workers[i]
}
