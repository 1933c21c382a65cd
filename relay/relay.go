// File: relay/relay.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-connection relay state machine. A relay pairs the accepted client
// socket with the outbound server socket and runs two independent
// directional halves on the owning worker's thread. Each half reads from
// its source into a bounded FIFO and drains the FIFO to its sink,
// parking read interest while the FIFO is over the bound so the kernel
// receive window throttles the peer.

package relay

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"

	"github.com/momentics/tcpmux/internal/addr"
	"github.com/momentics/tcpmux/reactor"
)

const (
	// readChunkSize is the worker scratch size: the most one read can
	// move and the slack a FIFO may hold above the configured bound.
	readChunkSize = 64 * 1024

	// DefaultMaxBuffer bounds the pending bytes of one relay direction.
	DefaultMaxBuffer = 1 << 20
)

// conn is one socket of a live relay. readDone flips when this socket
// reported EOF; writeDone flips when the opposite direction finished
// draining and shut this socket's write side down.
type conn struct {
	fd        int
	laddr     addr.IPAddr
	raddr     addr.IPAddr
	readDone  bool
	writeDone bool
	wantRead  bool
	wantWrite bool
}

// half pumps bytes from src to dst. The read path appends to buf (ring);
// the write path pops the front of buf into out (the staged chunk not yet
// written) and writes from there, so out holds the oldest pending bytes
// and buf the newer ones. Both paths run on the same worker thread.
type half struct {
	src *conn
	dst *conn

	buf   *ringbuffer.RingBuffer
	out   []byte
	stage []byte

	bytesRead    uint64
	bytesWritten uint64
}

// buffered returns the bytes queued in this direction.
func (h *half) buffered() int { return h.buf.Length() + len(h.out) }

// done reports whether this direction has fully finished: source EOF
// seen, FIFO drained, and the sink's write side shut down.
func (h *half) done() bool { return h.src.readDone && h.dst.writeDone }

// relay binds a client connection to its server connection. Owned by
// exactly one worker and never shared.
type relay struct {
	w       *worker
	client  *conn
	server  *conn
	c2s     half
	s2c     half
	started time.Time
	retired bool
}

func newRelay(w *worker, client, server *conn) *relay {
	r := &relay{
		w:       w,
		client:  client,
		server:  server,
		started: time.Now(),
	}
	capacity := w.maxBuf + readChunkSize
	r.c2s = half{
		src:   client,
		dst:   server,
		buf:   ringbuffer.New(capacity),
		stage: make([]byte, readChunkSize),
	}
	r.s2c = half{
		src:   server,
		dst:   client,
		buf:   ringbuffer.New(capacity),
		stage: make([]byte, readChunkSize),
	}
	return r
}

// callback builds the reactor callback for one socket of the relay. Read
// readiness drives the half reading from that socket; write readiness
// drives the opposite half draining into it.
func (r *relay) callback(reads, writes *half) reactor.Callback {
	return func(ready reactor.Interest) {
		if ready&reactor.Read != 0 {
			reads.readable(r)
		}
		if r.retired {
			return
		}
		if ready&reactor.Write != 0 {
			writes.writable(r)
		}
	}
}

// readable handles read readiness on h.src.
func (h *half) readable(r *relay) {
	if h.buffered() > r.w.maxBuf {
		// Hangup/error readiness is delivered even while read interest
		// is parked; leave the socket alone until the FIFO drains.
		return
	}
	n, err := unix.Read(h.src.fd, r.w.scratch)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		log.WithFields(log.Fields{
			"laddr": h.src.laddr,
			"raddr": h.src.raddr,
			"fd":    h.src.fd,
			"err":   err,
		}).Error("Fail to read")
		r.teardown()
		return
	}

	if n == 0 {
		// EOF: nothing more enters this direction. Keep the sink's
		// write side up until the FIFO drains.
		log.WithFields(log.Fields{
			"read_remote":  h.src.raddr,
			"write_remote": h.dst.raddr,
			"read_fd":      h.src.fd,
			"write_fd":     h.dst.fd,
		}).Debug("Close half conn")
		h.src.readDone = true
		unix.Shutdown(h.src.fd, unix.SHUT_RD)
		r.setRead(h.src, false)
		r.setWrite(h.dst, true)
		return
	}

	h.queue(r.w.scratch[:n])
	h.bytesRead += uint64(n)
	if h.buffered() > r.w.maxBuf {
		// Backpressure: stop reading until the writer catches up.
		r.setRead(h.src, false)
	}
	r.setWrite(h.dst, true)
}

// writable handles write readiness on h.dst.
func (h *half) writable(r *relay) {
	if len(h.out) == 0 && h.buf.Length() > 0 {
		n, _ := h.buf.Read(h.stage)
		h.out = h.stage[:n]
	}

	if len(h.out) > 0 {
		n, err := unix.Write(h.dst.fd, h.out)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return
			}
			log.WithFields(log.Fields{
				"laddr": h.dst.laddr,
				"raddr": h.dst.raddr,
				"fd":    h.dst.fd,
				"err":   err,
			}).Error("Fail to write")
			r.teardown()
			return
		}
		h.bytesWritten += uint64(n)
		h.out = h.out[n:]
		if h.buffered() < r.w.maxBuf && !h.src.readDone {
			r.setRead(h.src, true)
		}
	}

	if h.buffered() == 0 {
		r.setWrite(h.dst, false)
		if h.src.readDone && !h.dst.writeDone {
			unix.Shutdown(h.dst.fd, unix.SHUT_WR)
			h.dst.writeDone = true
		}
		if r.done() {
			r.retire()
		}
	}
}

// queue appends p to the pending FIFO. The ring holds maxBuf plus one
// read's slack and reads stop strictly above maxBuf, so p always fits.
func (h *half) queue(p []byte) {
	h.buf.Write(p)
}

func (r *relay) done() bool { return r.c2s.done() && r.s2c.done() }

// teardown force-finishes both halves after a permanent socket error.
// Pending bytes of both directions are discarded.
func (r *relay) teardown() {
	r.client.readDone, r.client.writeDone = true, true
	r.server.readDone, r.server.writeDone = true, true
	r.retire()
}

// retire deregisters and closes both sockets, drops the relay from its
// worker, and emits the final accounting record.
func (r *relay) retire() {
	if r.retired {
		return
	}
	r.retired = true

	r.w.r.Remove(r.client.fd)
	r.w.r.Remove(r.server.fd)
	unix.Close(r.client.fd)
	unix.Close(r.server.fd)
	delete(r.w.relays, r)

	log.WithFields(log.Fields{
		"from":      r.client.raddr,
		"to":        r.server.raddr,
		"client_fd": r.client.fd,
		"server_fd": r.server.fd,
	}).Debug("Close conn")
	log.WithFields(log.Fields{
		"from":      r.client.raddr,
		"to":        r.server.raddr,
		"in_bytes":  r.c2s.bytesRead,
		"out_bytes": r.s2c.bytesRead,
		"dur_sec":   time.Since(r.started).Seconds(),
	}).Info("Conn stats")
}

// setRead toggles read interest on c, pushing the change to the reactor
// only on transitions.
func (r *relay) setRead(c *conn, on bool) {
	if c.wantRead == on {
		return
	}
	c.wantRead = on
	r.applyInterest(c)
}

// setWrite toggles write interest on c.
func (r *relay) setWrite(c *conn, on bool) {
	if c.wantWrite == on {
		return
	}
	c.wantWrite = on
	r.applyInterest(c)
}

func (r *relay) applyInterest(c *conn) {
	var interest reactor.Interest
	if c.wantRead {
		interest |= reactor.Read
	}
	if c.wantWrite {
		interest |= reactor.Write
	}
	if err := r.w.r.Set(c.fd, interest); err != nil {
		log.WithFields(log.Fields{"fd": c.fd, "err": err}).Trace("Fail to set interest")
	}
}
