// File: relay/inbox.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package relay

import (
	"sync"

	"github.com/eapache/queue"
)

// handoff carries one accepted connection from the acceptor to a worker.
type handoff struct {
	listenFD int
	clientFD int
}

// inbox is the hand-off queue in front of each worker. The acceptor
// pushes, the owning worker pops; the worker's eventfd is only the
// doorbell, the payload always travels here.
type inbox struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newInbox() *inbox {
	return &inbox{q: queue.New()}
}

func (b *inbox) push(h handoff) {
	b.mu.Lock()
	b.q.Add(h)
	b.mu.Unlock()
}

func (b *inbox) pop() (handoff, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.q.Length() == 0 {
		return handoff{}, false
	}
	return b.q.Remove().(handoff), true
}
