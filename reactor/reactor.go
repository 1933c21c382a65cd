// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness notifier interface.

package reactor

// Interest is a bit set of readiness directions for one descriptor.
type Interest uint8

const (
	// None keeps the descriptor registered without readiness delivery.
	None Interest = 0
	// Read requests read-readiness notification.
	Read Interest = 1 << 0
	// Write requests write-readiness notification.
	Write Interest = 1 << 1
)

// Callback is invoked with the readiness set observed for a descriptor.
// Error conditions (hangup, socket error) are reported as Read|Write so
// the next I/O attempt surfaces the errno.
type Callback func(ready Interest)

// Reactor is a level-triggered readiness notifier over file descriptors.
// Each descriptor has exactly one callback; interest per direction is
// toggled independently with Set. Implementations are single-threaded:
// all methods, including those called from inside callbacks, must run on
// the thread driving Run.
type Reactor interface {
	// Add registers fd with an initial interest set and its callback.
	Add(fd int, interest Interest, cb Callback) error

	// Set replaces fd's interest set. None parks the descriptor.
	Set(fd int, interest Interest) error

	// Remove deregisters fd. The caller still owns (and closes) the fd.
	Remove(fd int) error

	// Run dispatches readiness callbacks until Stop is called or no
	// descriptors remain registered.
	Run() error

	// Stop makes Run return after the current dispatch round.
	Stop()

	// Close releases notifier resources. Registered fds are not closed.
	Close() error
}
