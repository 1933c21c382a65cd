// File: relay/relay_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// White-box tests for the relay state machine, driven by the fake
// reactor over unix socketpairs so every transition is deterministic.

package relay

import (
	"bytes"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/momentics/tcpmux/fake"
	"github.com/momentics/tcpmux/reactor"
)

// testRelay wires a relay between two socketpairs: the test talks to the
// relay through clientPeer and serverPeer, the relay owns the other ends.
type testRelay struct {
	fr         *fake.Reactor
	w          *worker
	rel        *relay
	clientFD   int
	serverFD   int
	clientPeer int
	serverPeer int
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func newTestRelay(t *testing.T, maxBuf int) *testRelay {
	t.Helper()
	cfd, cpeer := socketpair(t)
	sfd, speer := socketpair(t)

	fr := fake.NewReactor()
	w := &worker{
		id:      0,
		r:       fr,
		inbox:   newInbox(),
		scratch: make([]byte, readChunkSize),
		relays:  make(map[*relay]struct{}),
		maxBuf:  maxBuf,
	}

	client := &conn{fd: cfd, wantRead: true}
	server := &conn{fd: sfd, wantRead: true}
	rel := newRelay(w, client, server)
	if err := fr.Add(cfd, reactor.Read, rel.callback(&rel.c2s, &rel.s2c)); err != nil {
		t.Fatalf("Add client: %v", err)
	}
	if err := fr.Add(sfd, reactor.Read, rel.callback(&rel.s2c, &rel.c2s)); err != nil {
		t.Fatalf("Add server: %v", err)
	}
	w.relays[rel] = struct{}{}

	tr := &testRelay{
		fr: fr, w: w, rel: rel,
		clientFD: cfd, serverFD: sfd,
		clientPeer: cpeer, serverPeer: speer,
	}
	t.Cleanup(func() {
		unix.Close(cpeer)
		unix.Close(speer)
		if !rel.retired {
			rel.retire()
		}
	})
	return tr
}

// drainPeer reads everything currently queued on a peer fd.
func drainPeer(t *testing.T, fd int) []byte {
	t.Helper()
	var all []byte
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN {
			return all
		}
		if err != nil {
			t.Fatalf("read peer: %v", err)
		}
		if n == 0 {
			return all
		}
		all = append(all, buf[:n]...)
	}
}

func TestForwardAndEOFDrain(t *testing.T) {
	tr := newTestRelay(t, DefaultMaxBuffer)

	msg := []byte("ping\n")
	if _, err := unix.Write(tr.clientPeer, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	unix.Shutdown(tr.clientPeer, unix.SHUT_WR)

	tr.fr.Fire(tr.clientFD, reactor.Read) // data
	tr.fr.Fire(tr.clientFD, reactor.Read) // EOF

	if !tr.rel.client.readDone {
		t.Error("client readDone not set after EOF")
	}
	if got := tr.fr.Interest[tr.clientFD] & reactor.Read; got != 0 {
		t.Error("read interest still enabled after EOF")
	}
	if got := tr.fr.Interest[tr.serverFD] & reactor.Write; got == 0 {
		t.Error("server write interest not enabled")
	}

	tr.fr.Fire(tr.serverFD, reactor.Write)

	if got := drainPeer(t, tr.serverPeer); !bytes.Equal(got, msg) {
		t.Errorf("server received %q, want %q", got, msg)
	}
	if !tr.rel.server.writeDone {
		t.Error("server writeDone not set after drain")
	}
	// Peer must see EOF now that SHUT_WR was issued.
	var b [1]byte
	if n, err := unix.Read(tr.serverPeer, b[:]); n != 0 || err != nil {
		t.Errorf("peer read after shutdown = (%d, %v), want EOF", n, err)
	}
}

func TestBackpressureDisablesRead(t *testing.T) {
	const maxBuf = 1024
	tr := newTestRelay(t, maxBuf)

	payload := bytes.Repeat([]byte("a"), 4*maxBuf)
	if _, err := unix.Write(tr.clientPeer, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Never fire server write readiness: the FIFO can only grow. Read
	// interest must drop once pending exceeds the bound.
	for i := 0; i < 64 && tr.fr.Interest[tr.clientFD]&reactor.Read != 0; i++ {
		tr.fr.Fire(tr.clientFD, reactor.Read)
	}
	if tr.fr.Interest[tr.clientFD]&reactor.Read != 0 {
		t.Fatal("read interest never disabled")
	}
	if got := tr.rel.c2s.buffered(); got <= maxBuf || got > maxBuf+readChunkSize {
		t.Errorf("buffered = %d, want in (%d, %d]", got, maxBuf, maxBuf+readChunkSize)
	}

	// Draining re-enables the read side.
	for i := 0; i < 64 && tr.rel.c2s.buffered() > 0; i++ {
		tr.fr.Fire(tr.serverFD, reactor.Write)
	}
	if tr.fr.Interest[tr.clientFD]&reactor.Read == 0 {
		t.Error("read interest not re-enabled after drain")
	}
	if got := drainPeer(t, tr.serverPeer); len(got) == 0 {
		t.Error("nothing delivered to server peer")
	}
}

func TestBothDirectionsRetire(t *testing.T) {
	tr := newTestRelay(t, DefaultMaxBuffer)

	unix.Write(tr.clientPeer, []byte("hello"))
	unix.Shutdown(tr.clientPeer, unix.SHUT_WR)
	unix.Write(tr.serverPeer, []byte("world"))
	unix.Shutdown(tr.serverPeer, unix.SHUT_WR)

	tr.fr.Fire(tr.clientFD, reactor.Read)
	tr.fr.Fire(tr.clientFD, reactor.Read)
	tr.fr.Fire(tr.serverFD, reactor.Read)
	tr.fr.Fire(tr.serverFD, reactor.Read)
	tr.fr.Fire(tr.serverFD, reactor.Write)
	tr.fr.Fire(tr.clientFD, reactor.Write)

	if !tr.rel.retired {
		t.Fatal("relay not retired after both directions finished")
	}
	if len(tr.w.relays) != 0 {
		t.Error("relay still tracked by worker")
	}
	if tr.fr.Registered(tr.clientFD) || tr.fr.Registered(tr.serverFD) {
		t.Error("fds still registered")
	}
	if tr.rel.c2s.bytesRead != 5 || tr.rel.s2c.bytesRead != 5 {
		t.Errorf("counters = %d/%d, want 5/5",
			tr.rel.c2s.bytesRead, tr.rel.s2c.bytesRead)
	}
}

func TestWriteErrorTearsDownRelay(t *testing.T) {
	tr := newTestRelay(t, DefaultMaxBuffer)

	unix.Write(tr.clientPeer, []byte("doomed"))
	tr.fr.Fire(tr.clientFD, reactor.Read)

	// Kill the server peer entirely: the pending write must hit EPIPE.
	unix.Close(tr.serverPeer)
	tr.fr.Fire(tr.serverFD, reactor.Write)

	if !tr.rel.retired {
		t.Fatal("relay not torn down on write error")
	}
	if tr.fr.Registered(tr.clientFD) || tr.fr.Registered(tr.serverFD) {
		t.Error("fds still registered after teardown")
	}
}

func TestByteOrderPreserved(t *testing.T) {
	tr := newTestRelay(t, 512)

	var sent []byte
	chunk := make([]byte, 300)
	for i := 0; i < 20; i++ {
		for j := range chunk {
			chunk[j] = byte(i)
		}
		sent = append(sent, chunk...)
	}

	var got []byte
	off := 0
	for off < len(sent) || tr.rel.c2s.buffered() > 0 {
		if off < len(sent) {
			n, err := unix.Write(tr.clientPeer, sent[off:])
			if err != nil && err != unix.EAGAIN {
				t.Fatalf("write: %v", err)
			}
			if err == nil {
				off += n
			}
		}
		tr.fr.Fire(tr.clientFD, reactor.Read)
		tr.fr.Fire(tr.serverFD, reactor.Write)
		got = append(got, drainPeer(t, tr.serverPeer)...)
	}
	tr.fr.Fire(tr.serverFD, reactor.Write)
	got = append(got, drainPeer(t, tr.serverPeer)...)

	if !bytes.Equal(got, sent) {
		t.Fatalf("byte stream mismatch: sent %d bytes, got %d", len(sent), len(got))
	}
}
