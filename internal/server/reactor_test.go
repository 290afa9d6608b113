//go:build linux

package server

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/config"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/frame"
)

func TestReactorEndToEnd(t *testing.T) {
	testBrokerEndToEnd(t, config.ModeReactor)
}

func TestReactorFanOutManyClients(t *testing.T) {
	srv := startBroker(t, config.ModeReactor)

	const subscribers = 16
	clients := make([]*testClient, subscribers)
	for i := range clients {
		client := dialBroker(t, srv)
		client.send(t, connectRaw(fmt.Sprintf("user%d", i)))
		require.Equal(t, frame.CmdConnected, client.readFrame(t).Command)

		client.send(t, fmt.Sprintf("SUBSCRIBE\ndestination:/topic/movies\nid:%d\nreceipt:%d\n\n\x00", i, i))
		require.Equal(t, frame.CmdReceipt, client.readFrame(t).Command)
		clients[i] = client
	}

	clients[0].send(t, "SEND\ndestination:/topic/movies\n\nwide broadcast\n\x00")

	var messageID string
	for i, client := range clients {
		message := client.readFrame(t)
		require.Equal(t, frame.CmdMessage, message.Command)
		assert.Equal(t, fmt.Sprintf("%d", i), message.Header(frame.HeaderSubscription))
		assert.Equal(t, "wide broadcast", message.Body)

		if messageID == "" {
			messageID = message.Header(frame.HeaderMessageID)
		}
		assert.Equal(t, messageID, message.Header(frame.HeaderMessageID))
	}
}

func TestReactorPeerResetReleasesHandler(t *testing.T) {
	srv := startBroker(t, config.ModeReactor)

	client := dialBroker(t, srv)
	client.send(t, connectRaw("meni"))
	require.Equal(t, frame.CmdConnected, client.readFrame(t).Command)
	client.send(t, "SUBSCRIBE\ndestination:/topic/movies\nid:1\nreceipt:5\n\n\x00")
	require.Equal(t, frame.CmdReceipt, client.readFrame(t).Command)

	// Reset the connection so the socket breaks instead of draining cleanly.
	tcpConn := client.conn.(*net.TCPConn)
	require.NoError(t, tcpConn.SetLinger(0))
	require.NoError(t, tcpConn.Close())

	srv.Registry().Broadcast("/topic/movies", "after reset")

	require.Eventually(t, func() bool {
		count := 0
		srv.reactor.handlers.Range(func(_, _ any) bool {
			count++
			return true
		})
		return count == 0
	}, 2*time.Second, 10*time.Millisecond, "a broken socket must be released, not left registered")
}

func TestReactorStopIsIdempotent(t *testing.T) {
	srv := startBroker(t, config.ModeReactor)
	srv.Stop()
	srv.Stop()
}
