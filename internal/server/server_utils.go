package server

import (
	"errors"
	"io"
	"net"
	"os"

	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/logger"
)

func send(conn net.Conn, data []byte, connID int64) error {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			logger.ErrorF("[conn-%d] Fail to send data, details: %v", connID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[conn-%d] Send %d bytes to client", connID, total)
	return nil
}

func isNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func handleReadError(connID int64, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[conn-%d] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[conn-%d] Reading timeout", connID)
	default:
		if !isNetClosedError(err) {
			logger.ErrorF("[conn-%d] Error occured while reading frame, details: %v", connID, err)
		}
	}
}
