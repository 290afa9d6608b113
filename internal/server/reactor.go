//go:build linux

package server

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/database"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/logger"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/protocol"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/registry"
)

const taskQueueSize = 1024

// Reactor multiplexes every connection over one epoll selector goroutine and
// hands decoded input to a fixed worker pool. The selector never runs protocol
// logic; it only moves bytes and dispatches tasks.
type Reactor struct {
	reg     *registry.Registry
	store   database.UserStore
	workers int

	epollFd  int
	listenFd int
	wakeFd   int
	port     int

	// socket fd -> *NonBlockingConnectionHandler
	handlers sync.Map

	tasks   chan func()
	group   *errgroup.Group
	running atomic.Bool
	done    chan struct{}
}

func NewReactor(reg *registry.Registry, store database.UserStore, workers int) *Reactor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Reactor{
		reg:     reg,
		store:   store,
		workers: workers,
		tasks:   make(chan func(), taskQueueSize),
		done:    make(chan struct{}),
	}
}

// Start binds the nonblocking listen socket, registers it with epoll and
// launches the selector and the worker pool.
func (r *Reactor) Start(port int) error {
	listenFd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("reactor socket error: %w", err)
	}
	if err := unix.SetsockoptInt(listenFd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(listenFd)
		return fmt.Errorf("reactor setsockopt error: %w", err)
	}
	if err := unix.Bind(listenFd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(listenFd)
		return fmt.Errorf("reactor bind error: %w", err)
	}
	if err := unix.Listen(listenFd, unix.SOMAXCONN); err != nil {
		unix.Close(listenFd)
		return fmt.Errorf("reactor listen error: %w", err)
	}

	sa, err := unix.Getsockname(listenFd)
	if err != nil {
		unix.Close(listenFd)
		return fmt.Errorf("reactor getsockname error: %w", err)
	}
	r.port = sa.(*unix.SockaddrInet4).Port

	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(listenFd)
		return fmt.Errorf("reactor epoll error: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epollFd)
		unix.Close(listenFd)
		return fmt.Errorf("reactor eventfd error: %w", err)
	}

	r.listenFd = listenFd
	r.epollFd = epollFd
	r.wakeFd = wakeFd

	if err := r.epollAdd(listenFd, unix.EPOLLIN); err != nil {
		r.closeFds()
		return err
	}
	if err := r.epollAdd(wakeFd, unix.EPOLLIN); err != nil {
		r.closeFds()
		return err
	}

	r.running.Store(true)
	r.group = new(errgroup.Group)
	for i := 0; i < r.workers; i++ {
		r.group.Go(func() error {
			for task := range r.tasks {
				task()
			}
			return nil
		})
	}
	go r.runSelector()

	logger.InfoF("Reactor listening on port %d with %d workers", r.port, r.workers)
	return nil
}

func (r *Reactor) Port() int {
	return r.port
}

// Stop wakes the selector, waits for it to exit and drains the worker pool.
func (r *Reactor) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	var one = [8]byte{7: 1}
	if _, err := unix.Write(r.wakeFd, one[:]); err != nil {
		logger.ErrorF("Reactor wakeup error: %v", err)
	}
	<-r.done
	close(r.tasks)
	if err := r.group.Wait(); err != nil {
		logger.ErrorF("Reactor worker error: %v", err)
	}
	logger.Info("Reactor stopped")
}

func (r *Reactor) runSelector() {
	defer func() {
		r.handlers.Range(func(_, value any) bool {
			r.reg.Disconnect(value.(*NonBlockingConnectionHandler).connID)
			return true
		})
		r.closeFds()
		close(r.done)
	}()

	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(r.epollFd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logger.ErrorF("Reactor selector error: %v", err)
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case r.wakeFd:
				var drain [8]byte
				unix.Read(r.wakeFd, drain[:])
				if !r.running.Load() {
					return
				}
			case r.listenFd:
				r.acceptPending()
			default:
				value, ok := r.handlers.Load(fd)
				if !ok {
					continue
				}
				handler := value.(*NonBlockingConnectionHandler)
				if events[i].Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
					// The socket is broken; waiting for a flush would spin
					// on this event forever.
					handler.forceClose()
					r.reg.Disconnect(handler.connID)
					continue
				}
				if events[i].Events&unix.EPOLLOUT != 0 {
					handler.continueWrite()
				}
				if events[i].Events&unix.EPOLLIN != 0 {
					handler.continueRead()
				}
			}
		}
	}
}

// acceptPending drains the accept backlog. Each new socket is registered in
// the registry before its first epoll event can fire.
func (r *Reactor) acceptPending() {
	for {
		fd, _, err := unix.Accept4(r.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				logger.ErrorF("Accept connection error: %v", err)
			}
			return
		}

		id := r.reg.NewConnectionID()
		engine := protocol.NewEngine(r.store)
		engine.Start(id, r.reg)
		handler := newNonBlockingConnectionHandler(fd, id, engine, r)

		r.reg.AddConnection(id, handler)
		r.handlers.Store(fd, handler)

		if err := r.epollAdd(fd, unix.EPOLLIN); err != nil {
			logger.ErrorF("[conn-%d] Fail to register socket, details: %v", id, err)
			r.reg.Disconnect(id)
			continue
		}
		logger.DebugF("[conn-%d] Accepted new connection on fd %d", id, fd)
	}
}

// dispatch hands a task to the worker pool, falling back to inline execution
// when the pool is gone during shutdown.
func (r *Reactor) dispatch(task func()) {
	if !r.running.Load() {
		task()
		return
	}
	r.tasks <- task
}

func (r *Reactor) epollAdd(fd int, events uint32) error {
	err := unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
	if err != nil {
		return fmt.Errorf("reactor epoll_ctl error: %w", err)
	}
	return nil
}

func (r *Reactor) epollMod(fd int, events uint32) error {
	return unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

func (r *Reactor) epollDel(fd int) {
	unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (r *Reactor) closeFds() {
	unix.Close(r.wakeFd)
	unix.Close(r.listenFd)
	unix.Close(r.epollFd)
}
