// File: relay/worker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A worker owns one reactor on one OS thread: it reacts to eventfd
// doorbells, turns hand-offs into live relays, and pumps their bytes.
// All relay state it touches is worker-local.

package relay

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/tcpmux/internal/netutil"
	"github.com/momentics/tcpmux/reactor"
)

type worker struct {
	id      int
	r       reactor.Reactor
	wakeFD  int
	inbox   *inbox
	tuples  map[int]Tuple
	scratch []byte
	relays  map[*relay]struct{}
	maxBuf  int

	// listeners is non-nil on the acceptor worker only; shutdown closes
	// them there so listening fds are torn down on their owning thread.
	listeners []*Listener

	stopping atomic.Bool
}

// newWorker builds a worker with its own epoll reactor and eventfd
// doorbell. The tuples table is the shared write-once registry.
func newWorker(id int, maxBuf int, tuples map[int]Tuple) (*worker, error) {
	r, err := reactor.NewEpoll()
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	w := &worker{
		id:      id,
		r:       r,
		wakeFD:  wakeFD,
		inbox:   newInbox(),
		tuples:  tuples,
		scratch: make([]byte, readChunkSize),
		relays:  make(map[*relay]struct{}),
		maxBuf:  maxBuf,
	}
	if err := w.r.Add(wakeFD, reactor.Read, w.onWake); err != nil {
		unix.Close(wakeFD)
		r.Close()
		return nil, err
	}
	return w, nil
}

// run pins the worker to an OS thread and drives the reactor until
// shutdown stops it.
func (w *worker) run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	setThreadName(fmt.Sprintf("mux-worker-%d", w.id))
	log.WithFields(log.Fields{"id": w.id}).Debug("Run worker")
	err := w.r.Run()
	w.r.Close()
	return err
}

// notify enqueues a hand-off and rings the doorbell. Called from the
// acceptor's thread.
func (w *worker) notify(h handoff) error {
	w.inbox.push(h)
	return w.wake()
}

func (w *worker) wake() error {
	var v [8]byte
	binary.NativeEndian.PutUint64(v[:], 1)
	_, err := unix.Write(w.wakeFD, v[:])
	return err
}

// onWake drains the eventfd counter, then the inbox.
func (w *worker) onWake(reactor.Interest) {
	var v [8]byte
	for {
		if _, err := unix.Read(w.wakeFD, v[:]); err != nil {
			break
		}
	}

	if w.stopping.Load() {
		w.shutdown()
		return
	}

	for {
		h, ok := w.inbox.pop()
		if !ok {
			break
		}
		w.setup(h.listenFD, h.clientFD)
	}
}

// setup turns one hand-off into a live relay: resolve the tuple, learn
// both client endpoints, connect upstream, and register both sockets
// read-only with the reactor. Every failure closes what was opened and
// leaves the worker serving.
func (w *worker) setup(listenFD, clientFD int) {
	tuple, ok := w.tuples[listenFD]
	if !ok {
		log.WithFields(log.Fields{"listen_fd": listenFD, "client_fd": clientFD}).
			Warn("Not found relay addr tuple")
		unix.Close(clientFD)
		return
	}

	craddr, err := netutil.RemoteAddr(clientFD)
	if err != nil {
		log.WithFields(log.Fields{"fd": clientFD, "err": err}).Error("Fail to get remote addr")
		unix.Close(clientFD)
		return
	}
	log.WithFields(log.Fields{"from": craddr}).Info("New conn")

	claddr, err := netutil.LocalAddr(clientFD)
	if err != nil {
		log.WithFields(log.Fields{"fd": clientFD, "from": craddr, "err": err}).
			Error("Fail to get local addr")
		unix.Close(clientFD)
		return
	}

	serverFD, err := netutil.Connect(tuple.Src, tuple.Dst)
	if err != nil {
		log.WithFields(log.Fields{
			"saddr": tuple.Src,
			"daddr": tuple.Dst,
			"err":   err,
		}).Error("Fail to connect")
		unix.Close(clientFD)
		return
	}

	sladdr, err := netutil.LocalAddr(serverFD)
	if err != nil {
		log.WithFields(log.Fields{"daddr": tuple.Dst, "err": err}).Error("Fail to get local addr")
		unix.Close(clientFD)
		unix.Close(serverFD)
		return
	}

	if err := netutil.SetNonblock(serverFD); err != nil {
		log.WithFields(log.Fields{"daddr": tuple.Dst, "err": err}).Error("Fail to set non block")
		unix.Close(clientFD)
		unix.Close(serverFD)
		return
	}

	log.WithFields(log.Fields{
		"from":      craddr,
		"laddr":     sladdr,
		"raddr":     tuple.Dst,
		"client_fd": clientFD,
		"server_fd": serverFD,
	}).Debug("Connected to server")

	client := &conn{fd: clientFD, laddr: claddr, raddr: craddr, wantRead: true}
	server := &conn{fd: serverFD, laddr: sladdr, raddr: tuple.Dst, wantRead: true}
	rel := newRelay(w, client, server)

	if err := w.r.Add(clientFD, reactor.Read, rel.callback(&rel.c2s, &rel.s2c)); err != nil {
		log.WithFields(log.Fields{"fd": clientFD, "err": err}).Error("Fail to register client")
		unix.Close(clientFD)
		unix.Close(serverFD)
		return
	}
	if err := w.r.Add(serverFD, reactor.Read, rel.callback(&rel.s2c, &rel.c2s)); err != nil {
		log.WithFields(log.Fields{"fd": serverFD, "err": err}).Error("Fail to register server")
		w.r.Remove(clientFD)
		unix.Close(clientFD)
		unix.Close(serverFD)
		return
	}
	w.relays[rel] = struct{}{}
}

// shutdown runs on the worker thread: it refuses queued hand-offs,
// retires every live relay, closes owned listeners and the doorbell, and
// stops the reactor.
func (w *worker) shutdown() {
	for {
		h, ok := w.inbox.pop()
		if !ok {
			break
		}
		unix.Close(h.clientFD)
	}
	for rel := range w.relays {
		rel.retire()
	}
	for _, l := range w.listeners {
		w.r.Remove(l.fd)
		unix.Close(l.fd)
	}
	w.r.Remove(w.wakeFD)
	unix.Close(w.wakeFD)
	w.r.Stop()
	log.WithFields(log.Fields{"id": w.id}).Debug("Stop worker")
}

// setThreadName labels the worker's OS thread for ps/top.
func setThreadName(name string) {
	b := append([]byte(name), 0)
	unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
}
