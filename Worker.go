package ncp

import (
	"sync/atomic"
)

// Worker drives the I/O of a subset of connections on its own event
// loop.  The dispatcher is a Worker too, flagged so termination paths
// know when a thread call is unnecessary.
type Worker struct {
	loop       *EventLoop
	dispatcher bool
	nconn      atomic.Int64
}

func NewWorker(dispatcher bool) (*Worker, error) {
	loop, e := NewEventLoop()
	if e != nil {
		return nil, e
	}
	return &Worker{
		loop:       loop,
		dispatcher: dispatcher,
	}, nil
}

func (s *Worker) Loop() *EventLoop {
	return s.loop
}

func (s *Worker) IsDispatcher() bool {
	return s.dispatcher
}

// Load returns the number of connections currently fed to this worker,
// used by the pool's selection policy.
func (s *Worker) Load() int64 {
	return s.nconn.Load()
}

func (s *Worker) Start() {
	go s.loop.Run()
}

func (s *Worker) Stop() error {
	return s.loop.Stop()
}

// Feed hands a connection to this worker.  Called on the dispatcher; the
// actual wiring runs on the worker's loop since evSocket and the send
// buffer consumer belong there from this point on.
func (s *Worker) Feed(conn *Conn, fd int32) error {
	s.nconn.Add(1)
	return s.loop.RunAsync(func() {
		if conn.Mode() == CONN_DEAD {
			// terminated before the handoff landed
			return
		}
		conn.pool.onWorkerSetup(conn)
		conn.evSocket = NewFdEvent(s.loop, fd, func(fd int32, events uint32) {
			if events&(CAN_READ|IN_EOF|IN_ERROR) != 0 {
				conn.recvData(conn, fd, events)
			}
			if conn.Mode() != CONN_DEAD && events&CAN_WRITE != 0 {
				conn.sendData(conn, fd, events)
			}
		})
		conn.sendBuffer.RegHandler(s.loop, func() {
			if conn.Mode() == CONN_DEAD {
				return
			}
			if conn.readySend {
				// peer looked writable last time, skip the poller round trip
				conn.sendData(conn, fd, CAN_WRITE)
			} else {
				conn.evSocket.Del()
				conn.evSocket.Add(CAN_RW)
			}
		})
		if e := conn.evSocket.Add(CAN_RW); e != nil {
			conn.workerTerminate()
		}
	})
}

// Unfeed drops the accounting for a connection leaving this worker.
func (s *Worker) Unfeed() {
	s.nconn.Add(-1)
}
