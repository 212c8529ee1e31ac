package ncp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	Crypto "github.com/akalinux/net-conn-pooler/pkg/Crypto"
	"golang.org/x/sys/unix"
)

var ERR_IS_RUNNING = errors.New("Conn pool is all ready running")
var ERR_TLS_CONTEXT = errors.New("EnableTls requires a TlsContext")

const (
	// 0 means unbounded
	DEFAULT_QUEUE_CAPACITY = 0
	DEFAULT_SEG_BUFF_SIZE  = 4096
	DEFAULT_LISTEN_BACKLOG = 10
	// milliseconds
	DEFAULT_CONN_SERVER_TIMEOUT = 2000
	DEFAULT_POOL_WORKERS        = 4
)

// Worker selection policy for new connections.
type WorkerSelection int

const (
	// pick the worker with the fewest live connections
	SELECT_LEAST_LOADED WorkerSelection = iota
	// rotate through the workers
	SELECT_ROUND_ROBIN
)

type Config struct {
	// max segments buffered on the send side, 0 for unbounded.  The recv
	// side is not bounded by this setting, its queue is always unbounded.
	QueueCapacity int
	// max bytes read per socket recv call, also the "still saturated"
	// probe; sends write each queued segment whole, whatever its size
	SegBuffSize int
	// backlog handed to listen(2)
	MaxListenBacklog int
	// outbound connect deadline in milliseconds
	ConnServerTimeout int64
	// number of worker threads, at least 1
	NWorkers int
	EnableTls bool
	// required when EnableTls is set
	TlsContext      *Crypto.TLSContext
	WorkerSelection WorkerSelection
}

func NewConfigDefaults() Config {
	return Config{
		QueueCapacity:     DEFAULT_QUEUE_CAPACITY,
		SegBuffSize:       DEFAULT_SEG_BUFF_SIZE,
		MaxListenBacklog:  DEFAULT_LISTEN_BACKLOG,
		ConnServerTimeout: DEFAULT_CONN_SERVER_TIMEOUT,
		NWorkers:          DEFAULT_POOL_WORKERS,
	}
}

// ConnPool owns the listening socket, the fd to connection map and the
// workers.  Every mutation of the map happens on the dispatcher loop.
//
// The exported hook fields must be assigned before Start and never
// touched again; they are called as documented on each field.
type ConnPool struct {
	cfg      Config
	disp     *Worker
	workers  []*Worker
	pool     map[int32]*Conn
	listenFd int32
	evListen *FdEvent
	rr       atomic.Uint32
	locker   sync.Mutex
	running  bool
	closed   bool

	// CreateConn builds the connection object, letting the upper layer
	// attach its own state.  Runs on the dispatcher.
	CreateConn func(pool *ConnPool) *Conn
	// OnSetup runs on the dispatcher after the conn enters the pool map,
	// before any I/O.
	OnSetup func(conn *Conn)
	// OnWorkerSetup runs on the owning worker right before the conn's
	// first readiness registration.
	OnWorkerSetup func(conn *Conn)
	// OnTeardown runs exactly once on the dispatcher while the conn
	// leaves the pool map.
	OnTeardown func(conn *Conn)
	// OnRead runs on the owning worker whenever new bytes arrived.
	OnRead func(conn *Conn)
	// UpdateConn reports lifecycle edges: true after admission (post
	// handshake for TLS pools), false at teardown.
	UpdateConn func(conn *Conn, added bool)
}

func NewConnPool(cfg Config) (*ConnPool, error) {
	if cfg.NWorkers < 1 {
		return nil, errors.New("NWorkers cannot be less than 1")
	}
	if cfg.SegBuffSize < 1 {
		return nil, errors.New("SegBuffSize cannot be less than 1")
	}
	if cfg.EnableTls && cfg.TlsContext == nil {
		return nil, ERR_TLS_CONTEXT
	}
	disp, e := NewWorker(true)
	if e != nil {
		return nil, e
	}
	p := &ConnPool{
		cfg:      cfg,
		disp:     disp,
		pool:     make(map[int32]*Conn),
		listenFd: -1,
	}
	for i := 0; i < cfg.NWorkers; i++ {
		w, e := NewWorker(false)
		if e != nil {
			p.shutdownLoops()
			return nil, e
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// DispLoop exposes the dispatcher loop for timers and other helpers that
// want to share the control thread.
func (s *ConnPool) DispLoop() *EventLoop {
	return s.disp.loop
}

func (s *ConnPool) Start() error {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.closed {
		return ERR_SHUTDOWN
	}
	if s.running {
		return ERR_IS_RUNNING
	}
	s.running = true
	slog.Info(fmt.Sprintf("Starting conn pool with %d workers", len(s.workers)))
	s.disp.Start()
	for _, w := range s.workers {
		w.Start()
	}
	return nil
}

// Stop terminates every connection, closes the listener and shuts the
// loops down.  Safe to call twice.
func (s *ConnPool) Stop() error {
	s.locker.Lock()
	if s.closed || !s.running {
		s.locker.Unlock()
		return ERR_SHUTDOWN
	}
	s.closed = true
	s.locker.Unlock()

	s.disp.loop.RunSync(func() {
		conns := make([]*Conn, 0, len(s.pool))
		for _, c := range s.pool {
			conns = append(conns, c)
		}
		for _, c := range conns {
			c.dispTerminate()
		}
		s.clearListener()
	})
	for _, w := range s.workers {
		w.Stop()
	}
	s.disp.Stop()
	for _, w := range s.workers {
		w.loop.Wait()
	}
	s.disp.loop.Wait()
	return nil
}

func (s *ConnPool) shutdownLoops() {
	s.disp.Stop()
	for _, w := range s.workers {
		w.Stop()
	}
}

// ConnCount returns the number of connections in the pool map.
func (s *ConnPool) ConnCount() (n int) {
	s.disp.loop.RunSync(func() { n = len(s.pool) })
	return
}

// Contains reports if fd is currently mapped.
func (s *ConnPool) Contains(fd int32) (ok bool) {
	s.disp.loop.RunSync(func() { _, ok = s.pool[fd] })
	return
}

/* dispatcher thread only below */

func (s *ConnPool) selectWorker() *Worker {
	if s.cfg.WorkerSelection == SELECT_ROUND_ROBIN {
		return s.workers[int(s.rr.Add(1))%len(s.workers)]
	}
	best := s.workers[0]
	for _, w := range s.workers[1:] {
		if w.Load() < best.Load() {
			best = w
		}
	}
	return best
}

func (s *ConnPool) newConn(fd int32, mode ConnMode, addr NetAddr) (*Conn, error) {
	var conn *Conn
	if s.CreateConn != nil {
		conn = s.CreateConn(s)
	} else {
		conn = &Conn{}
	}
	conn.fd.Store(fd)
	conn.mode.Store(int32(mode))
	conn.addr = addr
	conn.pool = s
	conn.selfRef = conn
	conn.sendBuffer = NewSegQueue(s.cfg.QueueCapacity)
	conn.recvBuffer = NewSegQueue(0)
	conn.segBuffSize = s.cfg.SegBuffSize
	if s.cfg.EnableTls {
		tls, e := Crypto.NewTLS(s.cfg.TlsContext, int(fd), mode == CONN_PASSIVE)
		if e != nil {
			return nil, e
		}
		conn.tls = tls
		conn.sendData = sendDataTlsHandshake
		conn.recvData = recvDataTlsHandshake
	} else {
		conn.sendData = sendDataPlain
		conn.recvData = recvDataPlain
	}
	return conn, nil
}

// Listen binds the pool's listening socket, replacing any previous one.
func (s *ConnPool) Listen(addr NetAddr) (err error) {
	s.disp.loop.RunSync(func() { err = s.listen(addr) })
	return
}

func (s *ConnPool) clearListener() {
	if s.listenFd != -1 {
		s.evListen.Clear()
		unix.Close(int(s.listenFd))
		s.listenFd = -1
	}
}

func (s *ConnPool) listen(addr NetAddr) error {
	// reset the previous listen()
	s.clearListener()

	fd, e := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if e != nil {
		return newPoolError(OP_LISTEN, e)
	}
	if e = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e == nil {
		e = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	if e == nil {
		// INADDR_ANY at addr.Port
		e = unix.Bind(fd, &unix.SockaddrInet4{Port: int(addr.Port)})
	}
	if e == nil {
		e = unix.Listen(fd, s.cfg.MaxListenBacklog)
	}
	if e != nil {
		unix.Close(fd)
		err := newPoolError(OP_LISTEN, e)
		slog.Error(err.Error())
		return err
	}
	s.listenFd = int32(fd)
	s.evListen = NewFdEvent(s.disp.loop, s.listenFd, s.acceptClient)
	if e = s.evListen.Add(CAN_READ); e != nil {
		s.clearListener()
		return newPoolError(OP_LISTEN, e)
	}
	slog.Info(fmt.Sprintf("listening to %d", addr.Port))
	return nil
}

func (s *ConnPool) acceptClient(fd int32, events uint32) {
	nfd, sa, e := unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	switch e {
	case nil:
	case unix.EAGAIN, unix.EINTR, unix.ECONNRESET, unix.ECONNABORTED:
		// a socket in the accept queue may have been closed before we
		// got to it, let the poller re-fire
		return
	default:
		slog.Error(newPoolError(OP_ACCEPT, e).Error())
		return
	}
	if e := s.setupAccepted(nfd, sa); e != nil {
		slog.Error(newPoolError(OP_ACCEPT, e).Error())
	}
}

func (s *ConnPool) setupAccepted(nfd int, sa unix.Sockaddr) error {
	if e := unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); e != nil {
		unix.Close(nfd)
		return e
	}
	addr, e := NetAddrFromSockaddr(sa)
	if e != nil {
		unix.Close(nfd)
		return e
	}
	conn, e := s.newConn(int32(nfd), CONN_PASSIVE, addr)
	if e != nil {
		unix.Close(nfd)
		return e
	}
	s.addConn(conn)
	slog.Info(fmt.Sprintf("accepted %s", conn.String()))
	worker := s.selectWorker()
	conn.worker = worker
	s.onSetup(conn)
	worker.Feed(conn, conn.Fd())
	if !s.cfg.EnableTls {
		s.updateConn(conn, true)
	}
	return nil
}

// Connect starts a nonblocking connect.  The returned conn is already in
// the pool map awaiting completion, or in DEAD mode when the connect
// failed outright, so the caller observes failure uniformly.
func (s *ConnPool) Connect(addr NetAddr) (conn *Conn, err error) {
	s.disp.loop.RunSync(func() { conn, err = s.connect(addr) })
	return
}

func (s *ConnPool) connect(addr NetAddr) (*Conn, error) {
	fd, e := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if e != nil {
		return nil, newPoolError(OP_CONNECT, e)
	}
	if e = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e == nil {
		e = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	if e != nil {
		unix.Close(fd)
		err := newPoolError(OP_CONNECT, e)
		slog.Error(err.Error())
		return nil, err
	}
	conn, e := s.newConn(int32(fd), CONN_ACTIVE, addr)
	if e != nil {
		unix.Close(fd)
		return nil, newPoolError(OP_CONNECT, e)
	}

	e = unix.Connect(fd, addr.Sockaddr())
	if e != nil && e != unix.EINPROGRESS {
		slog.Info(fmt.Sprintf("cannot connect to %s", addr.String()))
		conn.dispTerminate()
		return conn, nil
	}
	conn.evConnect = NewTimedFdEvent(s.disp.loop, conn.Fd(), func(fd int32, events uint32) {
		conn.connServer(fd, events)
	})
	conn.evConnect.Add(CAN_WRITE, s.cfg.ConnServerTimeout)
	s.addConn(conn)
	slog.Info(fmt.Sprintf("created %s", conn.String()))
	return conn, nil
}

// connServer resolves the pending connect: a zero byte send probe tells
// success from failure without a second getsockopt round trip.
func (s *Conn) connServer(fd int32, events uint32) {
	if s.selfRef == nil {
		return
	}
	pool := s.pool
	_, probe := unix.SendmsgN(int(fd), nil, nil, nil, unix.MSG_NOSIGNAL)
	if events&IN_TIMEOUT == 0 && probe == nil {
		s.evConnect.Clear()
		slog.Info(fmt.Sprintf("connected to remote %s", s.String()))
		worker := pool.selectWorker()
		s.worker = worker
		pool.onSetup(s)
		worker.Feed(s, fd)
		if !pool.cfg.EnableTls {
			pool.updateConn(s, true)
		}
	} else {
		if events&IN_TIMEOUT != 0 {
			slog.Info(fmt.Sprintf("%s connect timeout", s.String()))
		}
		s.dispTerminate()
	}
}

// Terminate closes a connection from the dispatcher side.  Idempotent.
func (s *ConnPool) Terminate(conn *Conn) error {
	return s.disp.loop.RunAsync(conn.dispTerminate)
}

func (s *ConnPool) addConn(conn *Conn) {
	s.pool[conn.Fd()] = conn
}

func (s *ConnPool) delConn(conn *Conn) {
	fd := conn.fd.Load()
	if c, ok := s.pool[fd]; ok && c == conn {
		delete(s.pool, fd)
		// inform the upper layer the connection will be destroyed
		s.onTeardown(conn)
		s.updateConn(conn, false)
	}
	if conn.selfRef == nil {
		return
	}
	// remove the self-cycle
	conn.selfRef = nil
	if conn.tls != nil {
		conn.tls.Close()
	}
	if fd >= 0 {
		unix.Close(int(fd))
		conn.fd.Store(-1)
	}
}

/* nil safe hook helpers */

func (s *ConnPool) onSetup(conn *Conn) {
	if s.OnSetup != nil {
		s.OnSetup(conn)
	}
}

func (s *ConnPool) onWorkerSetup(conn *Conn) {
	if s.OnWorkerSetup != nil {
		s.OnWorkerSetup(conn)
	}
}

func (s *ConnPool) onTeardown(conn *Conn) {
	if s.OnTeardown != nil {
		s.OnTeardown(conn)
	}
}

func (s *ConnPool) onRead(conn *Conn) {
	if s.OnRead != nil {
		s.OnRead(conn)
	}
}

func (s *ConnPool) updateConn(conn *Conn, added bool) {
	if s.UpdateConn != nil {
		s.UpdateConn(conn, added)
	}
}
