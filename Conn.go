package ncp

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	Crypto "github.com/akalinux/net-conn-pooler/pkg/Crypto"
	"golang.org/x/sys/unix"
)

type ConnMode int32

const (
	// locally initiated
	CONN_ACTIVE ConnMode = iota
	// accepted from the listener
	CONN_PASSIVE
	// terminal state
	CONN_DEAD
)

func (m ConnMode) String() string {
	switch m {
	case CONN_ACTIVE:
		return "active"
	case CONN_PASSIVE:
		return "passive"
	}
	return "dead"
}

// Cap on segments drained per recv callback.  The source kept reading
// until a short read, which can starve the other connections on the same
// worker under a torrent of input.  The poller is level triggered, so
// leftover bytes simply re-fire the read event.
const RECV_SEGS_PER_EVENT = 64

// Conn is one endpoint of the pool.  Its identity is the fd while alive.
//
// After Feed, all I/O state (evSocket, the buffers' consumer side,
// readySend, tls, the I/O strategy funcs) belongs to the owning worker's
// loop; the pool map, evConnect and teardown belong to the dispatcher.
// Termination from the "wrong" side always bounces through a thread call.
type Conn struct {
	fd          atomic.Int32
	mode        atomic.Int32
	addr        NetAddr
	worker      *Worker
	pool        *ConnPool
	sendBuffer  *SegQueue
	recvBuffer  *SegQueue
	segBuffSize int
	readySend   bool
	tls         *Crypto.TLS
	peerCert    *Crypto.Cert
	evSocket    *FdEvent
	evConnect   *TimedFdEvent

	// current I/O strategy, swapped once when a TLS handshake finishes
	sendData func(conn *Conn, fd int32, events uint32)
	recvData func(conn *Conn, fd int32, events uint32)

	// strong reference a live connection holds to itself; released
	// exactly once, in the dispatcher's delConn
	selfRef *Conn

	// free slot for the upper layer
	UserData any
}

func (s *Conn) Fd() int32 {
	return s.fd.Load()
}

func (s *Conn) Mode() ConnMode {
	return ConnMode(s.mode.Load())
}

func (s *Conn) Addr() NetAddr {
	return s.addr
}

func (s *Conn) Pool() *ConnPool {
	return s.pool
}

// PeerCert returns the certificate the peer presented during the TLS
// handshake, nil for plain pools.  Set before the first data callback.
func (s *Conn) PeerCert() *Crypto.Cert {
	return s.peerCert
}

func (s *Conn) String() string {
	return fmt.Sprintf("<Conn fd=%d addr=%s mode=%s>", s.Fd(), s.addr.String(), s.Mode().String())
}

// Write queues data for transmission.  The queue owns a copy.  When the
// send buffer was built with a capacity, Write blocks until the worker
// drains a slot, so callers see backpressure instead of loss.
func (s *Conn) Write(data []byte) error {
	if s.Mode() == CONN_DEAD {
		return ERR_CONN_DEAD
	}
	seg := make([]byte, len(data))
	copy(seg, data)
	return s.sendBuffer.Push(seg)
}

// MoveRecv drains everything received so far, in arrival order.  Meant
// to be called from the OnRead hook.
func (s *Conn) MoveRecv() [][]byte {
	return s.recvBuffer.MoveAll()
}

/* the following functions are executed by exactly one worker per Conn */

func sendDataPlain(conn *Conn, fd int32, events uint32) {
	if events&IN_ERROR != 0 {
		conn.workerTerminate()
		return
	}
	for {
		seg := conn.sendBuffer.MovePop()
		if seg == nil {
			break
		}
		size := len(seg)
		ret, e := unix.SendmsgN(int(fd), seg, nil, nil, unix.MSG_NOSIGNAL)
		slog.Debug("socket sent", "fd", fd, "bytes", ret)
		if e != nil {
			// nothing was sent, rewind the whole seg
			conn.sendBuffer.Rewind(seg)
			if e == unix.EAGAIN || e == unix.EINTR {
				// wait for the next write callback
				conn.readySend = false
				return
			}
			slog.Info(fmt.Sprintf("send(%d) failure: %v", fd, e))
			conn.workerTerminate()
			return
		}
		if ret < size {
			// rewind the leftover
			conn.sendBuffer.Rewind(seg[ret:])
			conn.readySend = false
			return
		}
	}
	conn.evSocket.Del()
	conn.evSocket.Add(CAN_READ)
	// consumed the buffer but endpoint still seems to be writable
	conn.readySend = true
}

func recvDataPlain(conn *Conn, fd int32, events uint32) {
	if events&IN_ERROR != 0 {
		conn.workerTerminate()
		return
	}
	segSize := conn.segBuffSize
	ret := segSize
	for chunk := 0; ret == segSize && chunk < RECV_SEGS_PER_EVENT; chunk++ {
		seg := make([]byte, segSize)
		n, e := unix.Read(int(fd), seg)
		if e == unix.EINTR {
			continue
		}
		if e != nil {
			if e == unix.EAGAIN {
				break
			}
			// connection err or half-opened connection
			slog.Info(fmt.Sprintf("recv(%d) failure: %v", fd, e))
			conn.workerTerminate()
			return
		}
		if n == 0 {
			conn.workerTerminate()
			return
		}
		slog.Debug("socket read", "fd", fd, "bytes", n)
		conn.recvBuffer.Push(seg[:n])
		ret = n
	}
	conn.pool.onRead(conn)
}

/****/

// stop is idempotent and runs on the thread currently owning the conn.
func (s *Conn) stop() {
	if s.Mode() != CONN_DEAD {
		if s.worker != nil {
			s.worker.Unfeed()
		}
		if s.evConnect != nil {
			s.evConnect.Clear()
		}
		if s.evSocket != nil {
			s.evSocket.Clear()
		}
		s.sendBuffer.UnregHandler()
		s.mode.Store(int32(CONN_DEAD))
	}
}

// workerTerminate ends the connection from its worker (socket error,
// EOF, TLS fatal).  The pool map mutation is bounced to the dispatcher.
func (s *Conn) workerTerminate() {
	if s.Mode() == CONN_DEAD {
		return
	}
	s.stop()
	pool := s.pool
	if s.worker != nil && !s.worker.IsDispatcher() {
		logLoopError("workerTerminate", pool.disp.loop.RunAsync(func() {
			pool.delConn(s)
		}))
	} else {
		pool.delConn(s)
	}
}

// dispTerminate ends the connection from the dispatcher (explicit
// terminate, connect failure).  If a worker owns the conn its loop runs
// stop, since evSocket may only be touched there.
func (s *Conn) dispTerminate() {
	if s.selfRef == nil {
		return
	}
	if s.worker != nil && !s.worker.IsDispatcher() {
		logLoopError("dispTerminate", s.worker.loop.RunSync(s.stop))
	} else {
		s.stop()
	}
	s.pool.delConn(s)
}
