package protocol

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/database"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/frame"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/registry"
)

type captureHandler struct {
	mu     sync.Mutex
	frames []*frame.Frame
	closes int
}

func (h *captureHandler) Send(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frame.Parse(string(data)+string(frame.Terminator)))
	return nil
}

func (h *captureHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

func (h *captureHandler) received() []*frame.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*frame.Frame, len(h.frames))
	copy(out, h.frames)
	return out
}

type testConn struct {
	id      int64
	engine  *Engine
	handler *captureHandler
}

func newTestConn(reg *registry.Registry, store database.UserStore) *testConn {
	id := reg.NewConnectionID()
	handler := &captureHandler{}
	reg.AddConnection(id, handler)

	engine := NewEngine(store)
	engine.Start(id, reg)
	return &testConn{id: id, engine: engine, handler: handler}
}

func connectRaw(login, passcode string) string {
	return fmt.Sprintf("CONNECT\naccept-version:1.2\nhost:stomp.cs.bgu.ac.il\nlogin:%s\npasscode:%s\n\n\x00", login, passcode)
}

func (c *testConn) login(t *testing.T, username, password string) {
	t.Helper()
	c.engine.Process(connectRaw(username, password))
	frames := c.handler.received()
	require.NotEmpty(t, frames)
	require.Equal(t, frame.CmdConnected, frames[len(frames)-1].Command)
}

func TestConnectHandshake(t *testing.T) {
	store := database.NewMemoryStore()
	reg := registry.New(store)
	conn := newTestConn(reg, store)

	conn.engine.Process(connectRaw("meni", "films"))

	frames := conn.handler.received()
	require.Len(t, frames, 1)
	assert.Equal(t, frame.CmdConnected, frames[0].Command)
	assert.Equal(t, "1.2", frames[0].Header(frame.HeaderVersion))
	assert.False(t, conn.engine.ShouldTerminate())
	assert.True(t, reg.IsLoggedIn(conn.id))
}

func TestConnectWrongPassword(t *testing.T) {
	store := database.NewMemoryStore()
	reg := registry.New(store)

	first := newTestConn(reg, store)
	first.login(t, "meni", "films")

	second := newTestConn(reg, store)
	second.engine.Process(connectRaw("meni", "wrong"))

	frames := second.handler.received()
	require.Len(t, frames, 1)
	assert.Equal(t, frame.CmdError, frames[0].Command)
	assert.Contains(t, frames[0].Body, "Wrong password")
	assert.True(t, second.engine.ShouldTerminate())
	assert.Equal(t, 1, second.handler.closes)
}

func TestConnectAlreadyLoggedIn(t *testing.T) {
	store := database.NewMemoryStore()
	reg := registry.New(store)

	first := newTestConn(reg, store)
	first.login(t, "meni", "films")

	second := newTestConn(reg, store)
	second.engine.Process(connectRaw("meni", "films"))

	frames := second.handler.received()
	require.Len(t, frames, 1)
	assert.Equal(t, frame.CmdError, frames[0].Command)
	assert.Contains(t, frames[0].Body, "User already logged in")
	assert.True(t, second.engine.ShouldTerminate())

	// The first session keeps its login.
	assert.True(t, reg.IsLoggedIn(first.id))
}

func TestSendFansOutToSubscribers(t *testing.T) {
	store := database.NewMemoryStore()
	reg := registry.New(store)

	sender := newTestConn(reg, store)
	sender.login(t, "meni", "films")
	sender.engine.Process("SUBSCRIBE\ndestination:/topic/movies\nid:17\n\n\x00")

	receiver := newTestConn(reg, store)
	receiver.login(t, "tal", "pass")
	receiver.engine.Process("SUBSCRIBE\ndestination:/topic/movies\nid:5\n\n\x00")

	sender.engine.Process("SEND\ndestination:/topic/movies\n\nno one understands me\n\x00")

	senderFrames := sender.handler.received()
	require.Len(t, senderFrames, 2, "sender subscribes too and receives its own broadcast")
	message := senderFrames[1]
	assert.Equal(t, frame.CmdMessage, message.Command)
	assert.Equal(t, "17", message.Header(frame.HeaderSubscription))
	assert.Equal(t, "no one understands me", message.Body)

	receiverFrames := receiver.handler.received()
	require.Len(t, receiverFrames, 2)
	message = receiverFrames[1]
	assert.Equal(t, frame.CmdMessage, message.Command)
	assert.Equal(t, "5", message.Header(frame.HeaderSubscription))
	assert.Equal(t, "/topic/movies", message.Header(frame.HeaderDestination))
	assert.Equal(t, "no one understands me", message.Body)

	assert.Equal(t,
		senderFrames[1].Header(frame.HeaderMessageID),
		receiverFrames[1].Header(frame.HeaderMessageID))
	assert.False(t, sender.engine.ShouldTerminate())
}

func TestSendWithoutSubscription(t *testing.T) {
	store := database.NewMemoryStore()
	reg := registry.New(store)

	conn := newTestConn(reg, store)
	conn.login(t, "meni", "films")

	conn.engine.Process("SEND\ndestination:/topic/movies\n\nhello\n\x00")

	frames := conn.handler.received()
	require.Len(t, frames, 2)
	assert.Equal(t, frame.CmdError, frames[1].Command)
	assert.Contains(t, frames[1].Body, "User not logged in or not subscribed to channel: /topic/movies")
	assert.True(t, conn.engine.ShouldTerminate())
}

func TestSendBeforeLogin(t *testing.T) {
	store := database.NewMemoryStore()
	reg := registry.New(store)

	conn := newTestConn(reg, store)
	conn.engine.Process("SEND\ndestination:/topic/movies\n\nhello\n\x00")

	frames := conn.handler.received()
	require.Len(t, frames, 1)
	assert.Equal(t, frame.CmdError, frames[0].Command)
	assert.Contains(t, frames[0].Body, "User not logged in or not subscribed to channel: /topic/movies")
	assert.True(t, conn.engine.ShouldTerminate())
}

func TestSubscribeDuplicateID(t *testing.T) {
	store := database.NewMemoryStore()
	reg := registry.New(store)

	conn := newTestConn(reg, store)
	conn.login(t, "meni", "films")
	conn.engine.Process("SUBSCRIBE\ndestination:/topic/movies\nid:1\n\n\x00")
	conn.engine.Process("SUBSCRIBE\ndestination:/topic/series\nid:1\n\n\x00")

	frames := conn.handler.received()
	require.Len(t, frames, 2)
	assert.Equal(t, frame.CmdError, frames[1].Command)
	assert.Contains(t, frames[1].Body, "Subscription id already in use: 1")
	assert.True(t, conn.engine.ShouldTerminate())
}

func TestSubscribeSameChannelTwice(t *testing.T) {
	store := database.NewMemoryStore()
	reg := registry.New(store)

	conn := newTestConn(reg, store)
	conn.login(t, "meni", "films")
	conn.engine.Process("SUBSCRIBE\ndestination:/topic/movies\nid:1\n\n\x00")
	conn.engine.Process("SUBSCRIBE\ndestination:/topic/movies\nid:2\n\n\x00")

	frames := conn.handler.received()
	require.Len(t, frames, 2)
	assert.Equal(t, frame.CmdError, frames[1].Command)
	assert.Contains(t, frames[1].Body, "User already subscribed to channel: /topic/movies")
	assert.True(t, conn.engine.ShouldTerminate())
}

func TestSubscribeReceipt(t *testing.T) {
	store := database.NewMemoryStore()
	reg := registry.New(store)

	conn := newTestConn(reg, store)
	conn.login(t, "meni", "films")
	conn.engine.Process("SUBSCRIBE\ndestination:/topic/movies\nid:17\nreceipt:42\n\n\x00")

	frames := conn.handler.received()
	require.Len(t, frames, 2)
	assert.Equal(t, frame.CmdReceipt, frames[1].Command)
	assert.Equal(t, "42", frames[1].Header(frame.HeaderReceiptID))
	assert.True(t, reg.IsSubscribed(conn.id, "/topic/movies"))
}

func TestConnectReceiptHeaderIgnored(t *testing.T) {
	store := database.NewMemoryStore()
	reg := registry.New(store)

	conn := newTestConn(reg, store)
	conn.engine.Process("CONNECT\naccept-version:1.2\nhost:h\nlogin:meni\npasscode:films\nreceipt:9\n\n\x00")

	frames := conn.handler.received()
	require.Len(t, frames, 1, "the handshake never produces a receipt")
	assert.Equal(t, frame.CmdConnected, frames[0].Command)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	store := database.NewMemoryStore()
	reg := registry.New(store)

	conn := newTestConn(reg, store)
	conn.login(t, "meni", "films")
	conn.engine.Process("SUBSCRIBE\ndestination:/topic/movies\nid:17\n\n\x00")
	conn.engine.Process("UNSUBSCRIBE\nid:17\n\n\x00")

	assert.False(t, reg.IsSubscribed(conn.id, "/topic/movies"))
	reg.Broadcast("/topic/movies", "after unsubscribe")
	assert.Len(t, conn.handler.received(), 1)
	assert.False(t, conn.engine.ShouldTerminate())
}

func TestUnsubscribeUnknownID(t *testing.T) {
	store := database.NewMemoryStore()
	reg := registry.New(store)

	conn := newTestConn(reg, store)
	conn.login(t, "meni", "films")
	conn.engine.Process("UNSUBSCRIBE\nid:99\nreceipt:7\n\n\x00")

	frames := conn.handler.received()
	require.Len(t, frames, 2, "an unknown id is a no-op that still earns its receipt")
	assert.Equal(t, frame.CmdReceipt, frames[1].Command)
	assert.Equal(t, "7", frames[1].Header(frame.HeaderReceiptID))
	assert.False(t, conn.engine.ShouldTerminate())
}

func TestDisconnectReceiptBeforeClose(t *testing.T) {
	store := database.NewMemoryStore()
	reg := registry.New(store)

	conn := newTestConn(reg, store)
	conn.login(t, "meni", "films")
	conn.engine.Process("DISCONNECT\nreceipt:77\n\n\x00")

	frames := conn.handler.received()
	require.Len(t, frames, 2)
	assert.Equal(t, frame.CmdReceipt, frames[1].Command)
	assert.Equal(t, "77", frames[1].Header(frame.HeaderReceiptID))
	assert.True(t, conn.engine.ShouldTerminate())
	assert.Equal(t, 1, conn.handler.closes)
	assert.False(t, reg.IsLoggedIn(conn.id))

	// The username is free again.
	next := newTestConn(reg, store)
	next.login(t, "meni", "films")
}

func TestMalformedFrameTerminates(t *testing.T) {
	store := database.NewMemoryStore()
	reg := registry.New(store)

	tests := []struct {
		name       string
		raw        string
		diagnostic string
	}{
		{
			name:       "missing terminator",
			raw:        "DISCONNECT\n\n",
			diagnostic: "frame did not end with the null terminator",
		},
		{
			name:       "unknown command",
			raw:        "PUBLISH\ndestination:/topic/movies\n\n\x00",
			diagnostic: "unknown command",
		},
		{
			name:       "missing header",
			raw:        "SUBSCRIBE\ndestination:/topic/movies\n\n\x00",
			diagnostic: "missing required header: id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newTestConn(reg, store)
			conn.engine.Process(tt.raw)

			frames := conn.handler.received()
			require.Len(t, frames, 1)
			assert.Equal(t, frame.CmdError, frames[0].Command)
			assert.Equal(t, "malformed frame received", frames[0].Header(frame.HeaderMessage))
			assert.Contains(t, frames[0].Body, tt.diagnostic)
			assert.True(t, strings.HasPrefix(frames[0].Body, "The message:\n-----\n"))
			assert.True(t, conn.engine.ShouldTerminate())
		})
	}
}

func TestProcessAfterTerminationIsIgnored(t *testing.T) {
	store := database.NewMemoryStore()
	reg := registry.New(store)

	conn := newTestConn(reg, store)
	conn.engine.Process("PUBLISH\n\n\x00")
	require.True(t, conn.engine.ShouldTerminate())

	conn.engine.Process(connectRaw("meni", "films"))
	assert.Len(t, conn.handler.received(), 1, "a terminated engine must drop further frames")
}

// failingUploadStore delegates to a memory store but fails audit writes.
type failingUploadStore struct {
	*database.MemoryStore
}

func (s *failingUploadStore) TrackUpload(username, filename, channel string) error {
	return errors.New("backend unavailable")
}

func TestSendAuditFailureIsNonFatal(t *testing.T) {
	store := &failingUploadStore{MemoryStore: database.NewMemoryStore()}
	reg := registry.New(store)

	conn := newTestConn(reg, store)
	conn.login(t, "meni", "films")
	conn.engine.Process("SUBSCRIBE\ndestination:/topic/movies\nid:1\n\n\x00")
	conn.engine.Process("SEND\ndestination:/topic/movies\nfilename:song.mp3\n\nhello\n\x00")

	frames := conn.handler.received()
	require.Len(t, frames, 2, "the broadcast must still go out")
	assert.Equal(t, frame.CmdMessage, frames[1].Command)
	assert.False(t, conn.engine.ShouldTerminate())
}

func TestSendRecordsUpload(t *testing.T) {
	store := database.NewMemoryStore()
	reg := registry.New(store)

	conn := newTestConn(reg, store)
	conn.login(t, "meni", "films")
	conn.engine.Process("SUBSCRIBE\ndestination:/topic/movies\nid:1\n\n\x00")
	conn.engine.Process("SEND\ndestination:/topic/movies\nfilename:song.mp3\n\nhello\n\x00")

	uploads := store.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "meni", uploads[0].Username)
	assert.Equal(t, "song.mp3", uploads[0].Filename)
	assert.Equal(t, "/topic/movies", uploads[0].Channel)
}
