package ncp

import (
	"fmt"

	"github.com/akalinux/net-conn-pooler/internal/sec"
	"golang.org/x/sys/unix"
)

// WatchPid fires cb on the loop when the given process exits.  It rides
// the same FdEvent machinery as sockets, a pidfd is just another fd that
// becomes readable.  Useful for pools that supervise a helper process
// next to their connections.
func (s *Util) WatchPid(pid int, cb func(exitCode int, err error)) (*FdEvent, error) {
	pfd, err := unix.PidfdOpen(pid, unix.PIDFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("Failed to create fd for pid: %d, error was %w", pid, err)
	}
	var ev *FdEvent
	ev = NewFdEvent(s.loop, int32(pfd), func(fd int32, events uint32) {
		info := &unix.Siginfo{}
		usage := &unix.Rusage{}
		e := unix.Waitid(unix.P_PIDFD, pfd, info, unix.WNOHANG|unix.WEXITED, usage)
		ev.Clear()
		unix.Close(pfd)
		cb(sec.ExitCode(info), e)
	})
	e := s.loop.RunAsync(func() {
		if e := ev.Add(CAN_READ); e != nil {
			unix.Close(pfd)
			cb(-1, e)
		}
	})
	if e != nil {
		unix.Close(pfd)
		return nil, e
	}
	return ev, nil
}
