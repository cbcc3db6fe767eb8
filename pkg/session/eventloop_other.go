//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd

package session

import (
	"fmt"
	"sync"
	"syscall"
	"time"
)

// selectRead and its FdSet helpers are self-contained here rather than
// shared with an epoll/kqueue-capable platform's event loop: this file
// only builds where neither is available, so there is nothing to share.
func fdSetAdd(set *syscall.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << uint(fd%64)
}

func fdIsSet(set *syscall.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<uint(fd%64)) != 0
}

func selectRead(fds []int, timeout time.Duration) ([]int, error) {
	if len(fds) == 0 {
		return nil, fmt.Errorf("no file descriptors to select on")
	}

	maxFd := 0
	for _, fd := range fds {
		if fd > maxFd {
			maxFd = fd
		}
	}

	var readSet syscall.FdSet
	for _, fd := range fds {
		fdSetAdd(&readSet, fd)
	}

	tv := syscall.NsecToTimeval(timeout.Nanoseconds())

	n, err := syscall.Select(maxFd+1, &readSet, nil, nil, &tv)
	if err != nil {
		if err == syscall.EINTR || err == syscall.EAGAIN {
			return []int{}, nil
		}
		return nil, err
	}
	if n == 0 {
		return []int{}, nil
	}

	var ready []int
	for _, fd := range fds {
		if fdIsSet(&readSet, fd) {
			ready = append(ready, fd)
		}
	}
	return ready, nil
}

// NewEventLoop creates a select(2)-backed EventLoop for platforms without
// epoll or kqueue. It is level-triggered rather than edge-triggered, and
// scales to far fewer descriptors, but satisfies the same interface.
func NewEventLoop() (EventLoop, error) {
	stopR, stopW, err := newSelectStopPipe()
	if err != nil {
		return nil, err
	}

	return &selectLoop{
		stopR: stopR,
		stopW: stopW,
		data:  make(map[int]interface{}),
	}, nil
}

type selectLoop struct {
	stopR, stopW int

	mu     sync.Mutex
	data   map[int]interface{}
	closed bool
}

func (l *selectLoop) Add(fd int, events EventMask, data interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errClosed
	}
	l.data[fd] = data
	return nil
}

func (l *selectLoop) Remove(fd int) error {
	l.mu.Lock()
	delete(l.data, fd)
	l.mu.Unlock()
	return nil
}

func (l *selectLoop) RunOnce(handler func(Event), timeoutMs int) error {
	l.mu.Lock()
	fds := make([]int, 0, len(l.data)+1)
	fds = append(fds, l.stopR)
	for fd := range l.data {
		fds = append(fds, fd)
	}
	l.mu.Unlock()

	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeoutMs < 0 {
		timeout = 24 * time.Hour
	}

	ready, err := selectRead(fds, timeout)
	if err != nil {
		return err
	}

	for _, fd := range ready {
		if fd == l.stopR {
			drainSelectPipe(l.stopR)
			continue
		}
		l.mu.Lock()
		data, ok := l.data[fd]
		l.mu.Unlock()
		if !ok {
			continue
		}
		handler(Event{FD: fd, Events: EventRead, Data: data})
	}

	return nil
}

func (l *selectLoop) Run(handler func(Event)) error {
	for {
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return nil
		}
		if err := l.RunOnce(handler, 200); err != nil {
			return err
		}
	}
}

func (l *selectLoop) Stop() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	_, err := syscall.Write(l.stopW, []byte{0})
	return err
}

func (l *selectLoop) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	syscall.Close(l.stopW)
	syscall.Close(l.stopR)
	return nil
}

func newSelectStopPipe() (r, w int, err error) {
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func drainSelectPipe(fd int) {
	var buf [64]byte
	for {
		n, err := syscall.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
