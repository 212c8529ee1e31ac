package ncp

import (
	"cmp"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	omap "github.com/akalinux/orderedmap"
	"golang.org/x/sys/unix"
)

// Need to upgrade to epoll7:
// https://man7.org/linux/man-pages/man7/epoll.7.html
// https://pkg.go.dev/golang.org/x/sys/unix#EpollCreate

const EVENT_LOOP_BATCH = 128

// EventLoop runs fd readiness callbacks, timeouts and cross thread calls
// on a single locked OS thread.
//
// Every FdEvent and TimedFdEvent belongs to exactly one loop, and may only
// be touched from that loop.  Code running on another thread reaches the
// loop with RunAsync or RunSync.
type EventLoop struct {
	epfd     int
	read     *os.File
	write    *os.File
	locker   sync.Mutex
	closed   bool
	notified bool
	calls    []func()
	events   []unix.EpollEvent
	fdevs    map[int32]*FdEvent
	timeouts *omap.SliceTree[int64, map[*TimedFdEvent]bool]
	nextTs   int64
	now      time.Time
	tid      atomic.Int64
	done     chan struct{}
}

func NewEventLoop() (loop *EventLoop, osErr error) {
	r, w, e := os.Pipe()
	if e != nil {
		return nil, e
	}
	if e = unix.SetNonblock(int(r.Fd()), true); e != nil {
		r.Close()
		w.Close()
		return nil, e
	}

	// create in level not edge mode!
	epfd, e := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if e != nil {
		r.Close()
		w.Close()
		return nil, e
	}
	e = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, int(r.Fd()),
		&unix.EpollEvent{Events: CAN_READ, Fd: int32(r.Fd())})
	if e != nil {
		unix.Close(epfd)
		r.Close()
		w.Close()
		return nil, e
	}
	loop = &EventLoop{
		epfd:     epfd,
		read:     r,
		write:    w,
		nextTs:   -1,
		events:   make([]unix.EpollEvent, EVENT_LOOP_BATCH),
		fdevs:    make(map[int32]*FdEvent),
		timeouts: omap.NewSliceTree[int64, map[*TimedFdEvent]bool](EVENT_LOOP_BATCH, cmp.Compare),
		done:     make(chan struct{}),
	}
	return
}

// Run drives the loop until Stop is called.  It pins the calling
// goroutine to its OS thread so that OnThread stays meaningful.
func (s *EventLoop) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	s.tid.Store(int64(unix.Gettid()))

	for !s.isClosed() {
		s.SingleRun()
	}
	// flush anything queued between the final poll and the close
	s.runCalls()
	unix.Close(s.epfd)
	s.read.Close()
	close(s.done)
}

// Runs exactly one poll cycle.  Exposed for tests.
func (s *EventLoop) SingleRun() error {
	now, sleep := s.nextState()
	active, e := s.doPoll(sleep)
	if e != nil {
		if e == unix.EINTR {
			return nil
		}
		return e
	}
	s.processNextSet(now, active)
	return nil
}

func (s *EventLoop) nextState() (now int64, sleep int64) {
	s.now = time.Now()
	now = s.now.UnixMilli()
	sleep = -1
	if s.nextTs > 0 {
		sleep = max(s.nextTs-now, 0)
	}
	return
}

func (s *EventLoop) doPoll(sleep int64) (active int, err error) {
	return unix.EpollWait(s.epfd, s.events, int(sleep))
}

func (s *EventLoop) processNextSet(now int64, active int) {
	wakeFd := int32(s.read.Fd())
	for i := 0; i < active; i++ {
		events := s.events[i].Events
		fd := s.events[i].Fd
		if fd == wakeFd {
			s.drainWakeups(events)
			continue
		}
		ev, ok := s.fdevs[fd]
		if !ok || !ev.armed || ev.cb == nil {
			// removed by an earlier callback in this same batch
			continue
		}
		ev.cb(fd, events)
	}
	s.runCalls()

	for _, set := range s.timeouts.RemoveBetweenKV(-1, now, omap.FIRST_KEY) {
		for ev := range set {
			ev.deadline = 0
			if ev.fd < 0 {
				ev.armed = false
			}
			if ev.cb != nil {
				ev.cb(ev.fd, IN_TIMEOUT)
			}
		}
	}
	s.nextTs = s.minTimeout()
}

func (s *EventLoop) drainWakeups(events uint32) {
	if events&(IN_ERROR|IN_EOF) != 0 {
		// Stop closed the write end
		s.locker.Lock()
		s.closed = true
		s.locker.Unlock()
		return
	}
	// raw reads, os.File.Read would park us in the runtime poller
	buff := make([]byte, 64)
	fd := int(s.read.Fd())
	for {
		n, e := unix.Read(fd, buff)
		if n <= 0 || e != nil {
			break
		}
		if n < len(buff) {
			break
		}
	}
}

func (s *EventLoop) runCalls() {
	s.locker.Lock()
	calls := s.calls
	s.calls = nil
	s.notified = false
	s.locker.Unlock()
	for _, fn := range calls {
		fn()
	}
}

// RunAsync posts fn onto the loop thread and returns without waiting.
func (s *EventLoop) RunAsync(fn func()) error {
	s.locker.Lock()
	if s.closed {
		s.locker.Unlock()
		return ERR_SHUTDOWN
	}
	s.calls = append(s.calls, fn)
	wake := !s.notified
	s.notified = true
	s.locker.Unlock()
	if wake {
		if _, e := s.write.Write([]byte{0}); e != nil {
			return e
		}
	}
	return nil
}

// RunSync runs fn on the loop thread and waits for it to finish.  Safe to
// call from the loop itself, in that case fn runs inline.
func (s *EventLoop) RunSync(fn func()) error {
	if s.OnThread() {
		fn()
		return nil
	}
	ch := make(chan struct{})
	e := s.RunAsync(func() {
		defer close(ch)
		fn()
	})
	if e != nil {
		return e
	}
	<-ch
	return nil
}

// OnThread reports if the caller is on the loop's locked OS thread.
func (s *EventLoop) OnThread() bool {
	return int64(unix.Gettid()) == s.tid.Load()
}

// Stop shuts the loop down.  Safe to call twice, the second call is a
// no-op returning ERR_SHUTDOWN.
func (s *EventLoop) Stop() error {
	s.locker.Lock()
	if s.closed {
		s.locker.Unlock()
		return ERR_SHUTDOWN
	}
	s.closed = true
	s.locker.Unlock()
	return s.write.Close()
}

// Wait blocks until the loop goroutine has fully exited.
func (s *EventLoop) Wait() {
	<-s.done
}

func (s *EventLoop) isClosed() bool {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.closed
}

/* registration internals, loop thread only */

func (s *EventLoop) addEvent(ev *FdEvent, events uint32) error {
	if ev.fd < 0 {
		return ERR_NO_EVENTS
	}
	if ev.armed {
		if ev.wanted == events {
			return nil
		}
		ev.wanted = events
		return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, int(ev.fd),
			&unix.EpollEvent{Events: events, Fd: ev.fd})
	}
	e := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, int(ev.fd),
		&unix.EpollEvent{Events: events, Fd: ev.fd})
	if e != nil {
		return e
	}
	ev.wanted = events
	ev.armed = true
	s.fdevs[ev.fd] = ev
	return nil
}

func (s *EventLoop) delEvent(ev *FdEvent) error {
	if !ev.armed {
		return nil
	}
	ev.armed = false
	ev.wanted = 0
	if ev.fd < 0 {
		return nil
	}
	delete(s.fdevs, ev.fd)
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, int(ev.fd), nil)
}

func (s *EventLoop) addTimeout(ev *TimedFdEvent, timeoutMs int64) {
	s.delTimeout(ev)
	deadline := time.Now().UnixMilli() + timeoutMs
	ev.deadline = deadline
	if set, ok := s.timeouts.Get(deadline); ok {
		set[ev] = true
	} else {
		s.timeouts.Put(deadline, map[*TimedFdEvent]bool{ev: true})
	}
	s.nextTs = resolveNextTs(s.nextTs, deadline)
}

func (s *EventLoop) delTimeout(ev *TimedFdEvent) {
	if ev.deadline <= 0 {
		return
	}
	if set, ok := s.timeouts.Get(ev.deadline); ok {
		delete(set, ev)
		if len(set) == 0 {
			s.timeouts.Remove(ev.deadline)
		}
	}
	ev.deadline = 0
}

func (s *EventLoop) minTimeout() int64 {
	for k := range s.timeouts.Keys() {
		return k
	}
	return -1
}

func resolveNextTs(nextTs, futureTs int64) int64 {
	if futureTs > 0 {
		if nextTs > 0 {
			if nextTs > futureTs {
				return futureTs
			}
		} else {
			return futureTs
		}
	}
	return nextTs
}

func logLoopError(where string, e error) {
	if e != nil && e != ERR_SHUTDOWN {
		slog.Error("event loop error", "where", where, "err", e)
	}
}
