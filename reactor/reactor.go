//go:build linux

package reactor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freekieb7/ember/buffer"
	"github.com/freekieb7/ember/http"
	"github.com/freekieb7/ember/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sys/unix"
)

const (
	maxEvents       = 128
	readChunk       = 16 * 1024 // 16kB
	writeBufferSize = 4096      // 4kB
	writeTimeout    = 30 * time.Second

	connEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLONESHOT

	instrumentationName = "github.com/freekieb7/ember/reactor"
)

var ErrClosed = errors.New("reactor: closed")

type Config struct {
	Port            int
	IPv6            bool
	Threads         int
	QueueDepth      int
	MaxRequestBytes int

	Handler http.Handler
	Logger  *slog.Logger
}

type Stats struct {
	Accepted            uint64
	Open                int
	Dispatched          uint64
	OwnershipViolations uint64
}

type handback struct {
	conn      *Conn
	keepAlive bool
}

// Reactor owns the listening sockets and every accepted connection while it is
// waiting for input. Complete requests are handed to the worker pool; workers
// return connections through the handback queue.
type Reactor struct {
	handler         http.Handler
	logger          *slog.Logger
	maxRequestBytes int

	epfd   int
	wakefd int

	addrMu  sync.Mutex
	port    int
	listen4 int
	listen6 int

	registry *Registry
	pool     *worker.Pool[*Conn]
	ctx      context.Context

	mu        sync.Mutex
	handbacks []handback
	commands  []func()

	running atomic.Bool
	closed  atomic.Bool

	accepted   atomic.Uint64
	dispatched atomic.Uint64
	violations atomic.Uint64

	acceptedCounter metric.Int64Counter
	openCounter     metric.Int64UpDownCounter
}

// New binds the listeners and prepares the event loop. Nothing is accepted
// until Run is called.
func New(cfg Config) (*Reactor, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("reactor: no handler configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	reactor := &Reactor{
		handler:         cfg.Handler,
		logger:          cfg.Logger,
		maxRequestBytes: cfg.MaxRequestBytes,
		epfd:            -1,
		wakefd:          -1,
		listen4:         -1,
		listen6:         -1,
		registry:        NewRegistry(),
		ctx:             context.Background(),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	if reactor.acceptedCounter, err = meter.Int64Counter("ember.connections.accepted",
		metric.WithDescription("Accepted TCP connections"),
		metric.WithUnit("{connection}")); err != nil {
		otel.Handle(err)
	}
	if reactor.openCounter, err = meter.Int64UpDownCounter("ember.connections.open",
		metric.WithDescription("Currently open TCP connections"),
		metric.WithUnit("{connection}")); err != nil {
		otel.Handle(err)
	}

	if err := reactor.open(cfg); err != nil {
		reactor.closeFds()
		return nil, err
	}

	reactor.pool = worker.New(cfg.Threads, cfg.QueueDepth, reactor.serve, worker.WithLogger(cfg.Logger))
	return reactor, nil
}

func (reactor *Reactor) open(cfg Config) error {
	var err error

	if reactor.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return fmt.Errorf("reactor: epoll create: %w", err)
	}
	if reactor.wakefd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		return fmt.Errorf("reactor: eventfd: %w", err)
	}
	if err := reactor.epollAdd(reactor.wakefd, unix.EPOLLIN); err != nil {
		return err
	}

	if reactor.listen4, err = listenTCP4(cfg.Port); err != nil {
		return fmt.Errorf("reactor: listen on port %d: %w", cfg.Port, err)
	}
	if reactor.port, err = boundPort(reactor.listen4); err != nil {
		return err
	}
	if err := reactor.epollAdd(reactor.listen4, unix.EPOLLIN); err != nil {
		return err
	}

	if cfg.IPv6 {
		if err := reactor.enableIPv6(); err != nil {
			return err
		}
	}

	return nil
}

// Run processes events until ctx is done, then shuts down: listeners close,
// in-flight requests finish and every connection is closed.
func (reactor *Reactor) Run(ctx context.Context) error {
	if reactor.closed.Load() {
		return ErrClosed
	}
	if !reactor.running.CompareAndSwap(false, true) {
		return fmt.Errorf("reactor: already running")
	}

	reactor.ctx = context.WithoutCancel(ctx)
	stop := context.AfterFunc(ctx, reactor.wake)
	defer stop()

	reactor.logger.Info("reactor started", "addrs", reactor.Addrs(), "threads", reactor.pool.Size())

	events := make([]unix.EpollEvent, maxEvents)
	var runErr error

	for ctx.Err() == nil {
		n, err := unix.EpollWait(reactor.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			runErr = fmt.Errorf("reactor: epoll wait: %w", err)
			break
		}

		for i := range n {
			fd := int(events[i].Fd)

			switch {
			case fd == reactor.wakefd:
				reactor.drainWake()
				reactor.runCommands()
				reactor.processHandbacks(ctx)
			case fd == reactor.listen4 || fd == reactor.listen6:
				reactor.accept(fd)
			default:
				if conn, found := reactor.registry.Lookup(fd); found {
					reactor.readable(ctx, conn)
				}
			}
		}
	}

	reactor.shutdown()
	return runErr
}

// Close releases a reactor that was never run. A running reactor is stopped
// by cancelling the context given to Run.
func (reactor *Reactor) Close() error {
	if reactor.closed.Load() {
		return nil
	}
	if reactor.running.Load() {
		return fmt.Errorf("reactor: running, cancel its context instead")
	}

	reactor.closed.Store(true)
	reactor.pool.Shutdown()
	reactor.closeFds()
	return nil
}

// SetIPv6 opens or closes the IPv6 listener. The change is applied on the
// reactor goroutine.
func (reactor *Reactor) SetIPv6(enabled bool) {
	reactor.enqueue(func() {
		reactor.addrMu.Lock()
		active := reactor.listen6 != -1
		reactor.addrMu.Unlock()

		switch {
		case enabled && !active:
			if err := reactor.enableIPv6(); err != nil {
				reactor.logger.Error("enabling ipv6 listener", "error", err)
				return
			}
			reactor.logger.Info("ipv6 listener enabled", "port", reactor.port)
		case !enabled && active:
			reactor.disableIPv6()
			reactor.logger.Info("ipv6 listener disabled")
		}
	})
}

// Resize changes the number of workers.
func (reactor *Reactor) Resize(threads int) error {
	return reactor.pool.Resize(threads)
}

func (reactor *Reactor) Threads() int {
	return reactor.pool.Size()
}

// Addrs returns the addresses currently listened on.
func (reactor *Reactor) Addrs() []net.Addr {
	reactor.addrMu.Lock()
	defer reactor.addrMu.Unlock()

	var addrs []net.Addr
	if reactor.listen4 != -1 {
		addrs = append(addrs, net.TCPAddrFromAddrPort(netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(reactor.port))))
	}
	if reactor.listen6 != -1 {
		addrs = append(addrs, net.TCPAddrFromAddrPort(netip.AddrPortFrom(netip.IPv6Unspecified(), uint16(reactor.port))))
	}
	return addrs
}

func (reactor *Reactor) Port() int {
	reactor.addrMu.Lock()
	defer reactor.addrMu.Unlock()
	return reactor.port
}

func (reactor *Reactor) Stats() Stats {
	return Stats{
		Accepted:            reactor.accepted.Load(),
		Open:                reactor.registry.Len(),
		Dispatched:          reactor.dispatched.Load(),
		OwnershipViolations: reactor.violations.Load(),
	}
}

func (reactor *Reactor) Registry() *Registry {
	return reactor.registry
}

func (reactor *Reactor) accept(lfd int) {
	for {
		nfd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.ECONNABORTED:
			case unix.EINTR:
				continue
			default:
				reactor.logger.Error("accept failed", "error", err)
			}
			return
		}

		conn := newConn(nfd, peerString(sa), reactor.maxRequestBytes)
		reactor.registry.Insert(conn)

		if err := reactor.epollAdd(nfd, connEvents); err != nil {
			reactor.logger.Error("registering connection", "peer", conn.Peer, "error", err)
			reactor.registry.Remove(conn.ID)
			unix.Close(nfd)
			continue
		}

		reactor.accepted.Add(1)
		if reactor.acceptedCounter != nil {
			reactor.acceptedCounter.Add(reactor.ctx, 1)
		}
		if reactor.openCounter != nil {
			reactor.openCounter.Add(reactor.ctx, 1)
		}
		reactor.logger.Debug("connection accepted", "peer", conn.Peer, "conn", conn.ID)
	}
}

func (reactor *Reactor) readable(ctx context.Context, conn *Conn) {
	if ownerOf(conn) != ownerReactor {
		reactor.violation(conn, "event for connection owned by a worker")
		return
	}
	conn.setState(StateReading)

	n, err := conn.buf.ReadFd(conn.fd, readChunk)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		reactor.rearm(conn)
		return
	case errors.Is(err, buffer.ErrTooLarge):
		reactor.logger.Warn("request too large", "peer", conn.Peer, "limit", reactor.maxRequestBytes)
		conn.fault = http.StatusRequestEntityTooLarge
		reactor.dispatch(ctx, conn)
		return
	case err != nil:
		reactor.logger.Debug("read failed", "peer", conn.Peer, "error", err)
		reactor.close(conn)
		return
	case n == 0:
		if conn.buf.Len() > 0 {
			reactor.logger.Warn("malformed request", "peer", conn.Peer, "reason", "peer closed mid-request")
		}
		reactor.close(conn)
		return
	}

	reactor.advance(ctx, conn)
}

// advance decodes what is buffered and either waits for more input or hands
// the connection to a worker.
func (reactor *Reactor) advance(ctx context.Context, conn *Conn) {
	consumed, err := conn.request.Decode(conn.buf.Bytes())
	switch {
	case errors.Is(err, http.ErrIncomplete):
		reactor.rearm(conn)
	case err != nil:
		reactor.logger.Warn("malformed request", "peer", conn.Peer, "reason", err)
		conn.fault = http.StatusBadRequest
		reactor.dispatch(ctx, conn)
	default:
		conn.consumed = consumed
		reactor.dispatch(ctx, conn)
	}
}

func (reactor *Reactor) dispatch(ctx context.Context, conn *Conn) {
	if !conn.transfer(ownerReactor, ownerWorker) {
		reactor.violation(conn, "dispatching a connection the reactor does not own")
		return
	}
	conn.setState(StateDispatched)

	reactor.dispatched.Add(1)
	if err := reactor.pool.Submit(ctx, conn); err != nil {
		reactor.dispatched.Add(^uint64(0))
		conn.transfer(ownerWorker, ownerReactor)
		reactor.close(conn)
	}
}

// serve runs on a worker: it handles the request the reactor decoded, writes
// the response and hands the connection back.
func (reactor *Reactor) serve(conn *Conn) {
	keepAlive := false
	defer func() {
		reactor.handBack(conn, keepAlive)
	}()

	if ownerOf(conn) != ownerWorker {
		reactor.violation(conn, "worker received a connection it does not own")
		return
	}

	reqCtx := &conn.reqCtx
	reqCtx.Reset(reactor.ctx, &conn.request)
	reqCtx.Logger = reactor.logger
	reqCtx.RemoteAddr = conn.Peer
	defer reqCtx.Finish()

	if conn.fault != 0 {
		// faults skip the handler chain, tag them here
		reqCtx.AssignRequestID()
		reqCtx.Fail(conn.fault)
	} else {
		reactor.handler(reqCtx)
		if conn.request.CloseRequested {
			reqCtx.Response.Close = true
		}
	}

	if err := reqCtx.Response.WriteTo(conn.writer); err != nil {
		reactor.logger.Debug("writing response", "peer", conn.Peer, "error", err)
		conn.writer.Reset(fdWriter{fd: conn.fd, timeout: writeTimeout})
		return
	}

	if reqCtx.Response.Close {
		if conn.fault != 0 {
			conn.discardInput()
		}
		return
	}

	conn.buf.Discard(conn.consumed)
	keepAlive = true
}

func (reactor *Reactor) handBack(conn *Conn, keepAlive bool) {
	reactor.mu.Lock()
	reactor.handbacks = append(reactor.handbacks, handback{conn: conn, keepAlive: keepAlive})
	reactor.mu.Unlock()

	reactor.wake()
}

func (reactor *Reactor) processHandbacks(ctx context.Context) {
	reactor.mu.Lock()
	handbacks := reactor.handbacks
	reactor.handbacks = nil
	reactor.mu.Unlock()

	for _, hb := range handbacks {
		conn := hb.conn
		if !conn.transfer(ownerWorker, ownerReactor) {
			reactor.violation(conn, "handback of a connection the worker does not own")
			continue
		}

		if !hb.keepAlive || ctx.Err() != nil || reactor.closed.Load() {
			reactor.close(conn)
			continue
		}

		conn.resetCycle()
		if conn.buf.Len() > 0 {
			// the next request may already be buffered
			reactor.advance(ctx, conn)
			continue
		}
		reactor.rearm(conn)
	}
}

func (reactor *Reactor) rearm(conn *Conn) {
	conn.setState(StateReading)

	event := unix.EpollEvent{Events: connEvents, Fd: int32(conn.fd)}
	if err := unix.EpollCtl(reactor.epfd, unix.EPOLL_CTL_MOD, conn.fd, &event); err != nil {
		reactor.logger.Error("re-arming connection", "peer", conn.Peer, "error", err)
		reactor.close(conn)
	}
}

// close must only be called by the reactor while it owns conn.
func (reactor *Reactor) close(conn *Conn) {
	conn.setState(StateClosing)

	if err := unix.EpollCtl(reactor.epfd, unix.EPOLL_CTL_DEL, conn.fd, nil); err != nil && err != unix.ENOENT {
		reactor.logger.Debug("deregistering connection", "peer", conn.Peer, "error", err)
	}
	reactor.registry.Remove(conn.ID)
	if err := unix.Close(conn.fd); err != nil {
		reactor.logger.Debug("closing connection", "peer", conn.Peer, "error", err)
	}

	if reactor.openCounter != nil {
		reactor.openCounter.Add(reactor.ctx, -1)
	}
	reactor.logger.Debug("connection closed", "peer", conn.Peer, "conn", conn.ID)
}

func (reactor *Reactor) violation(conn *Conn, reason string) {
	reactor.violations.Add(1)
	reactor.logger.Error("connection ownership violation",
		"peer", conn.Peer,
		"conn", conn.ID,
		"state", conn.State().String(),
		"reason", reason,
	)
}

func (reactor *Reactor) shutdown() {
	reactor.closed.Store(true)
	reactor.logger.Info("reactor shutting down", "open", reactor.registry.Len())

	reactor.addrMu.Lock()
	if reactor.listen4 != -1 {
		unix.EpollCtl(reactor.epfd, unix.EPOLL_CTL_DEL, reactor.listen4, nil)
		unix.Close(reactor.listen4)
		reactor.listen4 = -1
	}
	reactor.addrMu.Unlock()
	reactor.disableIPv6()

	reactor.pool.Shutdown()
	for _, conn := range reactor.pool.Pending() {
		reactor.handBack(conn, false)
	}

	reactor.processHandbacks(context.Background())
	reactor.registry.Range(func(conn *Conn) bool {
		if ownerOf(conn) == ownerReactor {
			reactor.close(conn)
		}
		return true
	})

	reactor.closeFds()
	reactor.logger.Info("reactor stopped")
}

func (reactor *Reactor) closeFds() {
	reactor.addrMu.Lock()
	for _, fd := range []*int{&reactor.listen4, &reactor.listen6} {
		if *fd != -1 {
			unix.Close(*fd)
			*fd = -1
		}
	}
	reactor.addrMu.Unlock()

	reactor.mu.Lock()
	if reactor.wakefd != -1 {
		unix.Close(reactor.wakefd)
		reactor.wakefd = -1
	}
	reactor.mu.Unlock()

	if reactor.epfd != -1 {
		unix.Close(reactor.epfd)
		reactor.epfd = -1
	}
}

func (reactor *Reactor) enqueue(command func()) {
	reactor.mu.Lock()
	reactor.commands = append(reactor.commands, command)
	reactor.mu.Unlock()

	reactor.wake()
}

func (reactor *Reactor) runCommands() {
	reactor.mu.Lock()
	commands := reactor.commands
	reactor.commands = nil
	reactor.mu.Unlock()

	for _, command := range commands {
		command()
	}
}

func (reactor *Reactor) wake() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)

	reactor.mu.Lock()
	defer reactor.mu.Unlock()

	if reactor.wakefd == -1 {
		return
	}
	// EAGAIN means the counter is already non-zero
	unix.Write(reactor.wakefd, one[:])
}

func (reactor *Reactor) drainWake() {
	var counter [8]byte
	unix.Read(reactor.wakefd, counter[:])
}

func (reactor *Reactor) epollAdd(fd int, events uint32) error {
	event := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(reactor.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("reactor: epoll add fd %d: %w", fd, err)
	}
	return nil
}

func (reactor *Reactor) enableIPv6() error {
	fd, err := listenTCP6(reactor.port)
	if err != nil {
		return fmt.Errorf("reactor: listen on [::]:%d: %w", reactor.port, err)
	}
	if err := reactor.epollAdd(fd, unix.EPOLLIN); err != nil {
		unix.Close(fd)
		return err
	}

	reactor.addrMu.Lock()
	reactor.listen6 = fd
	reactor.addrMu.Unlock()
	return nil
}

func (reactor *Reactor) disableIPv6() {
	reactor.addrMu.Lock()
	defer reactor.addrMu.Unlock()

	if reactor.listen6 == -1 {
		return
	}
	unix.EpollCtl(reactor.epfd, unix.EPOLL_CTL_DEL, reactor.listen6, nil)
	unix.Close(reactor.listen6)
	reactor.listen6 = -1
}

func ownerOf(conn *Conn) owner {
	return owner(conn.owner.Load())
}
