package Crypto

// Drives crypto/tls over a raw nonblocking socket.
//  https://stackoverflow.com/questions/71366504/low-level-tls-handshake
//
// The trick has two halves.  Reads: syscall.Errno is a net.Error whose
// Temporary() is true for EAGAIN, so crypto/tls treats a would-block read
// as retryable and the handshake can be resumed on the next readiness
// event.  Writes: crypto/tls permanently poisons its output state on any
// write error, so the raw conn below never reports would-block upward; it
// buffers the unsent tail of a TLS record instead, and Flush pushes it
// out when the socket becomes writable again.

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Outcome of a nonblocking TLS operation.
type TlsOutcome int

const (
	// operation finished (handshake done, bytes moved)
	TLS_OK TlsOutcome = iota
	// re-arm for read readiness and retry
	TLS_WANT_READ
	// re-arm for write readiness and retry
	TLS_WANT_WRITE
	// clean close-notify or transport EOF from the peer
	TLS_EOF
	// anything else; the session is unusable
	TLS_FATAL
)

func (o TlsOutcome) String() string {
	switch o {
	case TLS_OK:
		return "ok"
	case TLS_WANT_READ:
		return "want-read"
	case TLS_WANT_WRITE:
		return "want-write"
	case TLS_EOF:
		return "eof"
	}
	return "fatal"
}

// rawFd adapts a nonblocking fd to the net.Conn crypto/tls expects.  It
// does not own the fd, closing is left to whoever created the session.
type rawFd struct {
	fd      int
	pending []byte
	want    TlsOutcome
	werr    error
}

func (c *rawFd) Read(b []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if err == unix.EAGAIN {
				c.want = TLS_WANT_READ
			}
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// flush drains buffered ciphertext, returning true once nothing is left.
func (c *rawFd) flush() bool {
	for len(c.pending) > 0 {
		n, err := unix.SendmsgN(c.fd, c.pending, nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			c.want = TLS_WANT_WRITE
			return false
		}
		if err != nil {
			c.werr = err
			c.pending = nil
			return true
		}
		c.pending = c.pending[n:]
	}
	c.pending = nil
	return true
}

func (c *rawFd) Write(b []byte) (int, error) {
	if c.werr != nil {
		return 0, c.werr
	}
	if len(c.pending) > 0 {
		if !c.flush() {
			// still blocked, queue behind the earlier tail
			c.pending = append(c.pending, b...)
			c.want = TLS_WANT_WRITE
			return len(b), nil
		}
		if c.werr != nil {
			return 0, c.werr
		}
	}
	wrote := 0
	for wrote < len(b) {
		n, err := unix.SendmsgN(c.fd, b[wrote:], nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			c.want = TLS_WANT_WRITE
			c.pending = append(c.pending, b[wrote:]...)
			return len(b), nil
		}
		if err != nil {
			c.werr = err
			return wrote, err
		}
		wrote += n
	}
	return wrote, nil
}

func (c *rawFd) Close() error                       { return nil }
func (c *rawFd) LocalAddr() net.Addr                { return nil }
func (c *rawFd) RemoteAddr() net.Addr               { return nil }
func (c *rawFd) SetDeadline(t time.Time) error      { return nil }
func (c *rawFd) SetReadDeadline(t time.Time) error  { return nil }
func (c *rawFd) SetWriteDeadline(t time.Time) error { return nil }

// TLS is one session bound to an fd, in accept or connect role.
type TLS struct {
	raw    *rawFd
	conn   *tls.Conn
	hsDone bool
}

func NewTLS(ctx *TLSContext, fd int, accept bool) (*TLS, error) {
	cfg, e := ctx.config(accept)
	if e != nil {
		return nil, e
	}
	raw := &rawFd{fd: fd, want: TLS_WANT_READ}
	s := &TLS{raw: raw}
	if accept {
		s.conn = tls.Server(raw, cfg)
	} else {
		s.conn = tls.Client(raw, cfg)
	}
	return s, nil
}

// DoHandshake advances the handshake as far as the socket allows.  TLS_OK
// means done and the peer certificate (if any) is retrievable; a want
// outcome names the readiness to wait for before calling again.
func (s *TLS) DoHandshake() TlsOutcome {
	if !s.raw.flush() {
		return TLS_WANT_WRITE
	}
	if s.raw.werr != nil {
		return TLS_FATAL
	}
	if s.hsDone {
		return TLS_OK
	}
	err := s.conn.Handshake()
	if err == nil {
		s.hsDone = true
		if !s.raw.flush() {
			// final flight still queued; report done after it drains
			return TLS_WANT_WRITE
		}
		if s.raw.werr != nil {
			return TLS_FATAL
		}
		return TLS_OK
	}
	if errors.Is(err, unix.EAGAIN) {
		if len(s.raw.pending) > 0 {
			return TLS_WANT_WRITE
		}
		return s.raw.want
	}
	return TLS_FATAL
}

// Send encrypts and writes buff.  On TLS_OK the whole buffer was
// consumed (possibly partially buffered as ciphertext, see Flush).  On a
// want outcome nothing was consumed and the caller should retry the same
// bytes after re-arming.
func (s *TLS) Send(buff []byte) (int, TlsOutcome) {
	if !s.raw.flush() {
		return 0, TLS_WANT_WRITE
	}
	if s.raw.werr != nil {
		return 0, TLS_FATAL
	}
	n, err := s.conn.Write(buff)
	if err == nil {
		return n, TLS_OK
	}
	if errors.Is(err, unix.EAGAIN) {
		return n, s.raw.want
	}
	return n, TLS_FATAL
}

// Recv decrypts into buff.  Analogous to a socket recv: TLS_OK with n>0
// delivers bytes, TLS_EOF is the peer closing, a want outcome means
// re-arm and retry.
func (s *TLS) Recv(buff []byte) (int, TlsOutcome) {
	n, err := s.conn.Read(buff)
	if n > 0 {
		return n, TLS_OK
	}
	switch {
	case err == nil:
		return 0, TLS_OK
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		return 0, TLS_EOF
	case errors.Is(err, unix.EAGAIN):
		if len(s.raw.pending) > 0 {
			return 0, TLS_WANT_WRITE
		}
		return 0, s.raw.want
	}
	return 0, TLS_FATAL
}

// Flush pushes buffered ciphertext out, true once the session has
// nothing left to write.
func (s *TLS) Flush() bool {
	return s.raw.flush() && s.raw.werr == nil
}

// Failed reports if the transport under the session has failed for good.
func (s *TLS) Failed() bool {
	return s.raw.werr != nil
}

// HandshakeDone reports if DoHandshake has returned TLS_OK.
func (s *TLS) HandshakeDone() bool {
	return s.hsDone
}

// PeerCert returns the certificate presented by the peer, nil when the
// peer presented none.
func (s *TLS) PeerCert() *Cert {
	certs := s.conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil
	}
	return &Cert{x509: certs[0]}
}

// Close sends a best effort close-notify.  The fd itself stays open, its
// lifecycle belongs to the caller.
func (s *TLS) Close() {
	s.conn.Close()
	s.raw.flush()
}
