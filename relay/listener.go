// File: relay/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package relay

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/tcpmux/internal/addr"
	"github.com/momentics/tcpmux/internal/netutil"
)

// Listener is one listening socket bound for a relay tuple.
type Listener struct {
	fd    int
	tuple Tuple
	addr  addr.IPAddr
}

// Addr returns the endpoint actually bound, with the OS-assigned port
// resolved when the tuple asked for port 0.
func (l *Listener) Addr() addr.IPAddr { return l.addr }

// Tuple returns the relay tuple this listener serves.
func (l *Listener) Tuple() Tuple { return l.tuple }

// Listen validates every tuple and creates one listening socket per
// tuple. Failure of any tuple closes the listeners already created and
// fails the whole installation.
func Listen(tuples []Tuple) ([]*Listener, error) {
	var lns []*Listener
	closeAll := func() {
		for _, l := range lns {
			unix.Close(l.fd)
		}
	}

	for i, t := range tuples {
		if err := t.Validate(); err != nil {
			closeAll()
			return nil, fmt.Errorf("tuple %d: %w", i, err)
		}
		fd, err := netutil.ListenStream(t.Listen)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("tuple %d: %w", i, err)
		}
		bound, err := netutil.LocalAddr(fd)
		if err != nil {
			unix.Close(fd)
			closeAll()
			return nil, fmt.Errorf("tuple %d: %w", i, err)
		}
		log.WithFields(log.Fields{"addr": bound, "dst": t.Dst}).Info("Listen on")
		lns = append(lns, &Listener{fd: fd, tuple: t, addr: bound})
	}
	return lns, nil
}
