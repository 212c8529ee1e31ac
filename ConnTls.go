package ncp

import (
	"fmt"
	"log/slog"

	Crypto "github.com/akalinux/net-conn-pooler/pkg/Crypto"
)

// TLS flavors of the send/recv state machines, plus the handshake pair a
// TLS connection starts out with.  Structurally these mirror the plain
// machines; the would-block test becomes a want-read/want-write outcome,
// and a want in the "wrong" direction re-arms both masks since TLS can
// need reads to finish a write and vice versa.

func sendDataTls(conn *Conn, fd int32, events uint32) {
	if events&IN_ERROR != 0 {
		conn.workerTerminate()
		return
	}
	tls := conn.tls
	for {
		seg := conn.sendBuffer.MovePop()
		if seg == nil {
			break
		}
		n, out := tls.Send(seg)
		slog.Debug("ssl sent", "fd", fd, "bytes", n)
		switch out {
		case Crypto.TLS_OK:
			continue
		case Crypto.TLS_WANT_WRITE:
			conn.sendBuffer.Rewind(seg)
			conn.readySend = false
			return
		case Crypto.TLS_WANT_READ:
			conn.sendBuffer.Rewind(seg)
			conn.readySend = false
			conn.evSocket.Del()
			conn.evSocket.Add(CAN_RW)
			return
		default:
			slog.Info(fmt.Sprintf("ssl send(%d) failure: %s", fd, out.String()))
			conn.workerTerminate()
			return
		}
	}
	if !tls.Flush() {
		if tls.Failed() {
			conn.workerTerminate()
			return
		}
		// ciphertext tail still queued, stay armed for write
		conn.readySend = false
		return
	}
	conn.evSocket.Del()
	conn.evSocket.Add(CAN_READ)
	conn.readySend = true
}

func recvDataTls(conn *Conn, fd int32, events uint32) {
	if events&IN_ERROR != 0 {
		conn.workerTerminate()
		return
	}
	segSize := conn.segBuffSize
	ret := segSize
loop:
	for chunk := 0; ret == segSize && chunk < RECV_SEGS_PER_EVENT; chunk++ {
		seg := make([]byte, segSize)
		n, out := conn.tls.Recv(seg)
		switch out {
		case Crypto.TLS_OK:
			if n == 0 {
				break loop
			}
			slog.Debug("ssl read", "fd", fd, "bytes", n)
			conn.recvBuffer.Push(seg[:n])
			ret = n
		case Crypto.TLS_WANT_READ:
			break loop
		case Crypto.TLS_WANT_WRITE:
			conn.evSocket.Del()
			conn.evSocket.Add(CAN_RW)
			break loop
		case Crypto.TLS_EOF:
			conn.workerTerminate()
			return
		default:
			slog.Info(fmt.Sprintf("ssl recv(%d) failure: %s", fd, out.String()))
			conn.workerTerminate()
			return
		}
	}
	conn.pool.onRead(conn)
}

// Both handshake callbacks funnel into one step.  On completion the I/O
// strategy is swapped to the TLS data path, the peer certificate is
// cached, and the dispatcher notifies the upper layer that the peer is
// authenticated.
func sendDataTlsHandshake(conn *Conn, fd int32, events uint32) {
	switch conn.tls.DoHandshake() {
	case Crypto.TLS_OK:
		conn.sendData = sendDataTls
		conn.recvData = recvDataTls
		conn.peerCert = conn.tls.PeerCert()
		conn.evSocket.Del()
		conn.evSocket.Add(CAN_RW)
		slog.Debug("tls handshake done", "fd", fd)
		pool := conn.pool
		logLoopError("handshake", pool.disp.loop.RunAsync(func() {
			if conn.Mode() != CONN_DEAD {
				pool.updateConn(conn, true)
			}
		}))
	case Crypto.TLS_WANT_READ:
		conn.evSocket.Del()
		conn.evSocket.Add(CAN_READ)
		slog.Debug("tls handshake read", "fd", fd)
	case Crypto.TLS_WANT_WRITE:
		conn.evSocket.Del()
		conn.evSocket.Add(CAN_WRITE)
		slog.Debug("tls handshake write", "fd", fd)
	default:
		conn.workerTerminate()
	}
}

func recvDataTlsHandshake(conn *Conn, fd int32, events uint32) {
	// handshake bytes arriving means the peer is responsive
	conn.readySend = true
	sendDataTlsHandshake(conn, fd, events)
}
