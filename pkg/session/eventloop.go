package session

import "fmt"

// EventMask is a bitmask of event kinds an EventLoop can report.
type EventMask uint32

const (
	// EventRead indicates the fd is ready for a non-blocking read.
	EventRead EventMask = 1 << iota
	// EventHup indicates the peer hung up (write end closed, PTY slave gone).
	EventHup
)

// Event is a single readiness notification delivered by an EventLoop.
type Event struct {
	FD     int
	Events EventMask
	Data   interface{}
}

// EventLoop multiplexes readiness notifications across registered file
// descriptors. The concrete implementation is epoll on Linux, kqueue on
// Darwin/BSD, and a select(2) based fallback everywhere else (see
// eventloop_linux.go, eventloop_bsd.go, eventloop_other.go). The kqueue
// loop is edge-triggered (EV_CLEAR): callers must drain a ready fd until
// EAGAIN before expecting another notification for it. The epoll loop
// registers fds without EPOLLET and the select loop polls readiness, so
// both are level-triggered and report an fd again while it stays readable.
type EventLoop interface {
	// Add registers fd for the given event mask. data is returned verbatim
	// on every Event for this fd.
	Add(fd int, events EventMask, data interface{}) error
	// Remove unregisters fd. Removing an fd that was never added, or was
	// already removed, is not an error.
	Remove(fd int) error
	// RunOnce blocks until at least one event is ready or timeoutMs
	// elapses (a negative timeoutMs blocks indefinitely), then invokes
	// handler once per ready event.
	RunOnce(handler func(Event), timeoutMs int) error
	// Run invokes RunOnce in a loop until Stop is called. It returns nil
	// when stopped.
	Run(handler func(Event)) error
	// Stop causes a concurrently running Run to return within about one
	// polling interval. Safe to call from another goroutine.
	Stop() error
	// Close releases the underlying OS resources. The loop must not be
	// used afterwards.
	Close() error
}

// errClosed is returned by operations on a closed EventLoop.
var errClosed = fmt.Errorf("event loop closed")
