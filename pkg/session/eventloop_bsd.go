//go:build darwin || freebsd || openbsd || netbsd

package session

import (
	"sync"

	"golang.org/x/sys/unix"
)

// NewEventLoop creates a kqueue-backed EventLoop.
func NewEventLoop() (EventLoop, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	stopR, stopW, err := newPipe()
	if err != nil {
		unix.Close(kq)
		return nil, err
	}

	l := &kqueueLoop{
		kq:    kq,
		stopR: stopR,
		stopW: stopW,
		data:  make(map[int]interface{}),
	}

	changes := []unix.Kevent_t{
		makeKevent(stopR, unix.EVFILT_READ, unix.EV_ADD),
	}
	if _, err := unix.Kevent(kq, changes, nil, nil); err != nil {
		l.Close()
		return nil, err
	}

	return l, nil
}

type kqueueLoop struct {
	kq    int
	stopR int
	stopW int

	mu     sync.Mutex
	data   map[int]interface{}
	masks  map[int]EventMask
	closed bool
}

func makeKevent(fd int, filter int16, flags uint16) unix.Kevent_t {
	return unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  flags,
	}
}

func (l *kqueueLoop) Add(fd int, events EventMask, data interface{}) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errClosed
	}
	l.data[fd] = data
	if l.masks == nil {
		l.masks = make(map[int]EventMask)
	}
	l.masks[fd] = events
	l.mu.Unlock()

	var changes []unix.Kevent_t
	if events&EventRead != 0 {
		changes = append(changes, makeKevent(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR))
	}
	_, err := unix.Kevent(l.kq, changes, nil, nil)
	return err
}

func (l *kqueueLoop) Remove(fd int) error {
	l.mu.Lock()
	delete(l.data, fd)
	delete(l.masks, fd)
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return nil
	}

	changes := []unix.Kevent_t{makeKevent(fd, unix.EVFILT_READ, unix.EV_DELETE)}
	_, _ = unix.Kevent(l.kq, changes, nil, nil)
	return nil
}

func (l *kqueueLoop) RunOnce(handler func(Event), timeoutMs int) error {
	var events [64]unix.Kevent_t

	var tsp *unix.Timespec
	if timeoutMs >= 0 {
		ts := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		tsp = &ts
	}

	n, err := unix.Kevent(l.kq, nil, events[:], tsp)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Ident)

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

		m := EventRead
		if events[i].Flags&unix.EV_EOF != 0 {
			m |= EventHup
		}

		handler(Event{FD: fd, Events: m, Data: data})
	}

	return nil
}

func (l *kqueueLoop) Run(handler func(Event)) error {
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

func (l *kqueueLoop) Stop() error {
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

func (l *kqueueLoop) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	unix.Close(l.stopW)
	unix.Close(l.stopR)
	return unix.Close(l.kq)
}

func newPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		return 0, 0, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
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
