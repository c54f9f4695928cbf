//go:build linux

package reactor

import (
	"bufio"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/freekieb7/ember/buffer"
	"github.com/freekieb7/ember/http"
	"golang.org/x/sys/unix"
)

type State int32

const (
	StateAccepted State = iota
	StateReading
	StateDispatched
	StateClosing
)

func (state State) String() string {
	switch state {
	case StateAccepted:
		return "accepted"
	case StateReading:
		return "reading"
	case StateDispatched:
		return "dispatched"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type owner int32

const (
	ownerReactor owner = iota
	ownerWorker
)

// Conn is one accepted TCP session. Exactly one party owns it at a time: the
// reactor while it is armed or being read, a worker while a request is being
// processed. Ownership only changes through transfer.
type Conn struct {
	ID   int
	Peer string

	fd    int
	buf   *buffer.Buffer
	state atomic.Int32
	owner atomic.Int32

	// set by the reactor before handing the connection to a worker
	request  http.Request
	consumed int
	fault    uint16

	reqCtx http.RequestCtx
	writer *bufio.Writer
}

func newConn(fd int, peer string, maxRequestBytes int) *Conn {
	conn := &Conn{
		ID:   fd,
		Peer: peer,
		fd:   fd,
		buf:  buffer.New(maxRequestBytes),
	}
	conn.writer = bufio.NewWriterSize(fdWriter{fd: fd, timeout: writeTimeout}, writeBufferSize)
	conn.state.Store(int32(StateAccepted))
	conn.owner.Store(int32(ownerReactor))
	return conn
}

func (conn *Conn) State() State {
	return State(conn.state.Load())
}

func (conn *Conn) setState(state State) {
	conn.state.Store(int32(state))
}

// transfer moves ownership from one party to the other. It reports false when
// from was not the current owner.
func (conn *Conn) transfer(from, to owner) bool {
	return conn.owner.CompareAndSwap(int32(from), int32(to))
}

func (conn *Conn) resetCycle() {
	conn.request.Reset()
	conn.consumed = 0
	conn.fault = 0
}

// fdWriter writes to a non-blocking socket, waiting for writability when the
// kernel buffer is full.
type fdWriter struct {
	fd      int
	timeout time.Duration
}

func (writer fdWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(writer.fd, p[written:])
		if n > 0 {
			written += n
		}

		switch err {
		case nil:
		case unix.EINTR:
		case unix.EAGAIN:
			if err := writer.waitWritable(); err != nil {
				return written, err
			}
		default:
			return written, err
		}
	}
	return written, nil
}

func (writer fdWriter) waitWritable() error {
	fds := []unix.PollFd{{Fd: int32(writer.fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds, int(writer.timeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return unix.ETIMEDOUT
		}
		return nil
	}
}

func peerString(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(netip.AddrFrom4(addr.Addr).String(), strconv.Itoa(addr.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(netip.AddrFrom16(addr.Addr).String(), strconv.Itoa(addr.Port))
	default:
		return "unknown"
	}
}

// discardInput drops input the peer already sent, so that closing after an
// error response does not reset the connection before the peer reads it.
func (conn *Conn) discardInput() {
	var scratch [4096]byte
	for range 64 {
		n, err := unix.Read(conn.fd, scratch[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
