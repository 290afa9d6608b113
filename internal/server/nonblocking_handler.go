//go:build linux

package server

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/frame"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/logger"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/protocol"
)

// NonBlockingConnectionHandler serves one socket registered with the reactor.
// Read interest is dropped while a decode task is in flight, which keeps frame
// processing in receipt order and gives each read exclusive buffer ownership.
// Outbound frames go through a FIFO queue drained on write readiness.
type NonBlockingConnectionHandler struct {
	fd      int
	connID  int64
	engine  *protocol.Engine
	reactor *Reactor
	decoder *frame.Decoder

	mu         sync.Mutex
	writeQueue [][]byte
	readArmed  bool
	closing    bool
	closed     bool
}

func newNonBlockingConnectionHandler(fd int, connID int64, engine *protocol.Engine, reactor *Reactor) *NonBlockingConnectionHandler {
	return &NonBlockingConnectionHandler{
		fd:        fd,
		connID:    connID,
		engine:    engine,
		reactor:   reactor,
		decoder:   frame.NewDecoder(),
		readArmed: true,
	}
}

// continueRead runs on the selector goroutine when the socket is readable. It
// performs one read, disarms read interest and hands the chunk to a worker.
func (h *NonBlockingConnectionHandler) continueRead() {
	bufp := leaseBuffer()
	buf := *bufp

	n, err := unix.Read(h.fd, buf)
	if err != nil {
		releaseBuffer(bufp)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		logger.ErrorF("[conn-%d] Error occured while reading frame, details: %v", h.connID, err)
		h.reactor.reg.Disconnect(h.connID)
		return
	}
	if n == 0 {
		releaseBuffer(bufp)
		logger.InfoF("[conn-%d] Client close connection", h.connID)
		h.reactor.reg.Disconnect(h.connID)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		releaseBuffer(bufp)
		return
	}
	h.readArmed = false
	h.updateInterestLocked()
	h.mu.Unlock()

	h.reactor.dispatch(func() {
		defer releaseBuffer(bufp)

		for _, raw := range h.decoder.Decode(buf[:n]) {
			h.engine.Process(raw)
			if h.engine.ShouldTerminate() {
				h.reactor.reg.Disconnect(h.connID)
				return
			}
		}
		h.armRead()
	})
}

func (h *NonBlockingConnectionHandler) armRead() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.closing {
		return
	}
	h.readArmed = true
	h.updateInterestLocked()
}

// continueWrite drains the queue until the kernel pushes back. A partially
// written head stays at the front of the queue. Once drained, a handler that
// was asked to close releases its socket. A failed write releases the socket
// immediately: queued data can never be flushed to a broken peer.
func (h *NonBlockingConnectionHandler) continueWrite() {
	h.mu.Lock()
	for len(h.writeQueue) > 0 {
		head := h.writeQueue[0]
		n, err := unix.Write(h.fd, head)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				h.mu.Unlock()
				return
			}
			h.writeQueue = nil
			h.closeLocked()
			h.mu.Unlock()
			logger.ErrorF("[conn-%d] Fail to send data, details: %v", h.connID, err)
			h.reactor.reg.Disconnect(h.connID)
			return
		}
		logger.DebugF("[conn-%d] Send %d bytes to client", h.connID, n)
		if n < len(head) {
			h.writeQueue[0] = head[n:]
			h.mu.Unlock()
			return
		}
		h.writeQueue = h.writeQueue[1:]
	}

	if h.closing {
		h.closeLocked()
		h.mu.Unlock()
		return
	}
	h.updateInterestLocked()
	h.mu.Unlock()
}

// Send queues one encoded frame plus the terminator byte and arms write
// interest. Safe to call from any goroutine.
func (h *NonBlockingConnectionHandler) Send(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || h.closing {
		return net.ErrClosed
	}

	payload := make([]byte, 0, len(data)+1)
	payload = append(payload, data...)
	payload = append(payload, frame.Terminator)
	h.writeQueue = append(h.writeQueue, payload)
	h.updateInterestLocked()
	return nil
}

// Close releases the socket once queued outbound data has been flushed. With
// frames still queued it only marks the handler closing; continueWrite
// finishes the job after the final drain. Idempotent.
func (h *NonBlockingConnectionHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	if len(h.writeQueue) > 0 {
		h.closing = true
		h.readArmed = false
		h.updateInterestLocked()
		return nil
	}
	h.closeLocked()
	return nil
}

// forceClose abandons queued outbound data and releases the socket. Used when
// the transport reported a failure, so a pending flush can never succeed.
func (h *NonBlockingConnectionHandler) forceClose() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.writeQueue = nil
	h.closeLocked()
}

func (h *NonBlockingConnectionHandler) closeLocked() {
	h.closed = true
	h.reactor.epollDel(h.fd)
	h.reactor.handlers.Delete(h.fd)
	if err := unix.Close(h.fd); err != nil {
		logger.DebugF("[conn-%d] Error occured while closing connection, details: %v", h.connID, err)
	}
	logger.DebugF("[conn-%d] Connection closed", h.connID)
}

// updateInterestLocked recomputes the epoll event mask from current state.
func (h *NonBlockingConnectionHandler) updateInterestLocked() {
	if h.closed {
		return
	}
	var events uint32
	if h.readArmed {
		events |= unix.EPOLLIN
	}
	if len(h.writeQueue) > 0 {
		events |= unix.EPOLLOUT
	}
	if err := h.reactor.epollMod(h.fd, events); err != nil {
		logger.DebugF("[conn-%d] Fail to update socket interest, details: %v", h.connID, err)
	}
}
