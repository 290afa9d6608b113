package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/frame"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/logger"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/protocol"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/registry"
)

// BlockingConnectionHandler serves one connection with blocking I/O on a
// dedicated goroutine. It satisfies the same registry/engine contract as the
// reactor handler: frames are processed in receipt order and Send may be
// called from any goroutine.
type BlockingConnectionHandler struct {
	conn    net.Conn
	connID  int64
	engine  *protocol.Engine
	reg     *registry.Registry
	decoder *frame.Decoder

	writeMu sync.Mutex
	closed  atomic.Bool
}

func NewBlockingConnectionHandler(conn net.Conn, connID int64, engine *protocol.Engine, reg *registry.Registry) *BlockingConnectionHandler {
	return &BlockingConnectionHandler{
		conn:    conn,
		connID:  connID,
		engine:  engine,
		reg:     reg,
		decoder: frame.NewDecoder(),
	}
}

// Handle runs the read loop until the peer disconnects or the engine
// terminates the session. Registry cleanup happens on every exit path.
func (h *BlockingConnectionHandler) Handle() {
	defer h.reg.Disconnect(h.connID)

	bufp := leaseBuffer()
	defer releaseBuffer(bufp)
	buf := *bufp

	for {
		n, err := h.conn.Read(buf)
		if err != nil {
			handleReadError(h.connID, err)
			return
		}

		for _, raw := range h.decoder.Decode(buf[:n]) {
			h.engine.Process(raw)
			if h.engine.ShouldTerminate() {
				return
			}
		}
	}
}

// Send writes one encoded frame followed by the terminator byte. Writes are
// serialized so interleaved broadcasts cannot corrupt the stream.
func (h *BlockingConnectionHandler) Send(data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.closed.Load() {
		return net.ErrClosed
	}

	payload := make([]byte, 0, len(data)+1)
	payload = append(payload, data...)
	payload = append(payload, frame.Terminator)
	return send(h.conn, payload, h.connID)
}

// Close is idempotent. Sends are synchronous in this transport, so there is
// never queued data left to flush.
func (h *BlockingConnectionHandler) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	logger.DebugF("[conn-%d] Connection closed", h.connID)
	if err := h.conn.Close(); err != nil && !isNetClosedError(err) {
		return err
	}
	return nil
}
