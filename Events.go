package ncp

import (
	"golang.org/x/sys/unix"
)

// https://man7.org/linux/man-pages/man7/epoll.7.html
const (
	// Checks if an fd can read
	CAN_READ = uint32(unix.EPOLLIN)

	// checks if an fd can write
	CAN_WRITE = uint32(unix.EPOLLOUT)

	// watch both read and write events
	CAN_RW = uint32(CAN_WRITE | CAN_READ)

	// Errors
	IN_ERROR = uint32(unix.EPOLLERR)

	// catch all for EOF
	IN_EOF = uint32(unix.EPOLLHUP | unix.EPOLLRDHUP)

	// Raised in the event mask when a TimedFdEvent expires.  Not an epoll
	// bit, epoll never reports this value on its own.
	IN_TIMEOUT = uint32(1) << 24

	// Stop watching this fd
	CAN_END = uint32(0)
)

// FdEvent binds a file descriptor to a callback on a single EventLoop.
//
// All methods must be called from the owning loop, either inside another
// callback or through EventLoop.RunAsync/RunSync.  The callback receives
// the fd and the event mask found by the poller.  An fd of -1 creates an
// event that can only be used with timeouts (see TimedFdEvent).
type FdEvent struct {
	loop   *EventLoop
	fd     int32
	cb     func(fd int32, events uint32)
	wanted uint32
	armed  bool
}

func NewFdEvent(loop *EventLoop, fd int32, cb func(fd int32, events uint32)) *FdEvent {
	return &FdEvent{
		loop: loop,
		fd:   fd,
		cb:   cb,
	}
}

func (s *FdEvent) Fd() int32 {
	return s.fd
}

// Add starts watching the fd for the given event mask.  Calling Add on an
// event that is already armed replaces the mask.
func (s *FdEvent) Add(events uint32) error {
	return s.loop.addEvent(s, events)
}

// Del stops watching the fd, the event may be re-armed with Add later.
func (s *FdEvent) Del() error {
	return s.loop.delEvent(s)
}

// Clear is Del plus dropping the callback binding.  A cleared event must
// not be re-armed.
func (s *FdEvent) Clear() {
	s.loop.delEvent(s)
	s.cb = nil
}

// TimedFdEvent is an FdEvent whose Add also takes a timeout in
// milliseconds.  When the timeout expires before any fd readiness the
// callback runs once with IN_TIMEOUT set in the event mask.
type TimedFdEvent struct {
	FdEvent
	deadline int64
}

func NewTimedFdEvent(loop *EventLoop, fd int32, cb func(fd int32, events uint32)) *TimedFdEvent {
	return &TimedFdEvent{
		FdEvent: FdEvent{
			loop: loop,
			fd:   fd,
			cb:   cb,
		},
	}
}

// Add arms the fd watch and the timeout together.  A timeout of 0 or less
// means no deadline, which makes this behave like a plain FdEvent.
func (s *TimedFdEvent) Add(events uint32, timeoutMs int64) error {
	if s.fd < 0 && timeoutMs <= 0 {
		return ERR_NO_EVENTS
	}
	if events != 0 {
		if e := s.loop.addEvent(&s.FdEvent, events); e != nil {
			return e
		}
	} else {
		s.armed = true
	}
	if timeoutMs > 0 {
		s.loop.addTimeout(s, timeoutMs)
	}
	return nil
}

func (s *TimedFdEvent) Del() error {
	s.loop.delTimeout(s)
	if s.fd < 0 {
		s.armed = false
		return nil
	}
	return s.loop.delEvent(&s.FdEvent)
}

func (s *TimedFdEvent) Clear() {
	s.Del()
	s.cb = nil
}
