package ncp

import (
	"time"

	"github.com/aptible/supercronic/cronexpr"
)

// Util is a grab bag of timer helpers that ride on an EventLoop.  Handy
// on the dispatcher loop for reconnect backoff, periodic stats and other
// control plane chores that should not need their own goroutine.
type Util struct {
	loop *EventLoop
}

func (s *EventLoop) NewUtil() *Util {
	return &Util{loop: s}
}

// SetTimeout runs cb once on the loop after timeout milliseconds.  Call
// Clear on the returned event (from the loop) to cancel.
func (s *Util) SetTimeout(cb func(), timeout int64) (*TimedFdEvent, error) {
	ev := NewTimedFdEvent(s.loop, -1, func(fd int32, events uint32) {
		cb()
	})
	e := s.loop.RunAsync(func() {
		ev.Add(0, timeout)
	})
	if e != nil {
		return nil, e
	}
	return ev, nil
}

// SetInterval runs cb on the loop every interval milliseconds until the
// returned event is cleared.
func (s *Util) SetInterval(cb func(), interval int64) (*TimedFdEvent, error) {
	var ev *TimedFdEvent
	ev = NewTimedFdEvent(s.loop, -1, func(fd int32, events uint32) {
		ev.Add(0, interval)
		cb()
	})
	e := s.loop.RunAsync(func() {
		ev.Add(0, interval)
	})
	if e != nil {
		return nil, e
	}
	return ev, nil
}

// SetCron runs cb on the loop at each time the cron expression matches.
func (s *Util) SetCron(cb func(), cron string) (*TimedFdEvent, error) {
	expr, err := cronexpr.Parse(cron)
	if err != nil {
		return nil, err
	}
	next := func() int64 {
		now := time.Now()
		return max(expr.Next(now).UnixMilli()-now.UnixMilli(), 1)
	}
	var ev *TimedFdEvent
	ev = NewTimedFdEvent(s.loop, -1, func(fd int32, events uint32) {
		ev.Add(0, next())
		cb()
	})
	e := s.loop.RunAsync(func() {
		ev.Add(0, next())
	})
	if e != nil {
		return nil, e
	}
	return ev, nil
}
