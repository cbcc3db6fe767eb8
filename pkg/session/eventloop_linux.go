//go:build linux

package session

import (
	"sync"

	"golang.org/x/sys/unix"
)

// NewEventLoop creates an epoll-backed EventLoop.
func NewEventLoop() (EventLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	stopR, stopW, err := newPipe()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	l := &epollLoop{
		epfd:   epfd,
		stopR:  stopR,
		stopW:  stopW,
		data:   make(map[int]interface{}),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, stopR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(stopR),
	}); err != nil {
		l.Close()
		return nil, err
	}

	return l, nil
}

type epollLoop struct {
	epfd  int
	stopR int
	stopW int

	mu     sync.Mutex
	data   map[int]interface{}
	closed bool
}

func (l *epollLoop) Add(fd int, events EventMask, data interface{}) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errClosed
	}
	l.data[fd] = data
	l.mu.Unlock()

	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: epollMask(events),
		Fd:     int32(fd),
	})
}

func (l *epollLoop) Remove(fd int) error {
	l.mu.Lock()
	delete(l.data, fd)
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return nil
	}

	// EPOLL_CTL_DEL on an fd that was never added (or already closed)
	// fails benignly; callers treat Remove as idempotent.
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	return nil
}

func (l *epollLoop) RunOnce(handler func(Event), timeoutMs int) error {
	var events [64]unix.EpollEvent

	n, err := unix.EpollWait(l.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)

		if fd == l.stopR {
			drainPipe(l.stopR)
			continue
		}

		l.mu.Lock()
		data, ok := l.data[fd]
		l.mu.Unlock()
		if !ok {
			continue
		}

		handler(Event{FD: fd, Events: fromEpollMask(events[i].Events), Data: data})
	}

	return nil
}

func (l *epollLoop) Run(handler func(Event)) error {
	for {
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return nil
		}

		if err := l.RunOnce(handler, -1); err != nil {
			return err
		}
	}
}

func (l *epollLoop) Stop() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	_, err := unix.Write(l.stopW, []byte{0})
	return err
}

func (l *epollLoop) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	unix.Close(l.stopW)
	unix.Close(l.stopR)
	return unix.Close(l.epfd)
}

func epollMask(m EventMask) uint32 {
	var e uint32
	if m&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if m&EventHup != 0 {
		e |= unix.EPOLLHUP | unix.EPOLLRDHUP
	}
	return e
}

func fromEpollMask(e uint32) EventMask {
	var m EventMask
	if e&unix.EPOLLIN != 0 {
		m |= EventRead
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0 {
		m |= EventHup
	}
	return m
}

func newPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func drainPipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
