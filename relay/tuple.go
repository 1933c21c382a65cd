// File: relay/tuple.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package relay

import (
	"fmt"
	"strings"

	"github.com/momentics/tcpmux/internal/addr"
)

// Tuple describes one relay policy: accept on Listen, connect to Dst,
// optionally binding the outbound socket to Src. Immutable once built.
type Tuple struct {
	Listen addr.IPAddr
	Src    addr.IPAddr
	Dst    addr.IPAddr
}

// Validate enforces the boundary contract: Listen has a family (port 0
// meaning OS-assigned is fine), Dst is a specific address with a nonzero
// port, Src is absent or any valid endpoint.
func (t Tuple) Validate() error {
	if !t.Listen.IsValid() {
		return fmt.Errorf("listen address required")
	}
	if !t.Dst.IsValid() {
		return fmt.Errorf("dst address required")
	}
	if t.Dst.Port() == 0 {
		return fmt.Errorf("dst %s: port required", t.Dst)
	}
	if t.Dst.IsUnspecifiedIP() {
		return fmt.Errorf("dst %s: wildcard address not allowed", t.Dst)
	}
	return nil
}

// String renders the tuple in relay-list form.
func (t Tuple) String() string {
	if t.Src.IsValid() {
		return fmt.Sprintf("%s,%s,%s", t.Listen, t.Src, t.Dst)
	}
	return fmt.Sprintf("%s,%s", t.Listen, t.Dst)
}

// ParseList parses the -r relay-list grammar: tuples separated by "/",
// each "listen,src,dst" or the 2-element "listen,dst" form with src
// omitted.
func ParseList(s string) ([]Tuple, error) {
	if s == "" {
		return nil, fmt.Errorf("empty relay list")
	}
	var tuples []Tuple
	for _, item := range strings.Split(s, "/") {
		parts := strings.Split(item, ",")
		var t Tuple
		var err error
		switch len(parts) {
		case 2:
			if t.Listen, err = addr.Parse(parts[0]); err != nil {
				return nil, fmt.Errorf("relay %q: %w", item, err)
			}
			if t.Dst, err = addr.Parse(parts[1]); err != nil {
				return nil, fmt.Errorf("relay %q: %w", item, err)
			}
		case 3:
			if t.Listen, err = addr.Parse(parts[0]); err != nil {
				return nil, fmt.Errorf("relay %q: %w", item, err)
			}
			if t.Src, err = addr.Parse(parts[1]); err != nil {
				return nil, fmt.Errorf("relay %q: %w", item, err)
			}
			if t.Dst, err = addr.Parse(parts[2]); err != nil {
				return nil, fmt.Errorf("relay %q: %w", item, err)
			}
		default:
			return nil, fmt.Errorf("relay %q: want listen,dst or listen,src,dst", item)
		}
		tuples = append(tuples, t)
	}
	return tuples, nil
}
