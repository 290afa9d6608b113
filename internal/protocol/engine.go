// Package protocol implements the per-connection state machine that turns
// validated frames into registry operations and response frames.
package protocol

import (
	"sync/atomic"

	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/database"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/frame"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/logger"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/metrics"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/registry"
)

// Engine processes the frames of exactly one connection, in receipt order.
// Transports feed it sequentially, so its subscription map needs no locking;
// only the terminated flag crosses goroutines (the write path checks it when
// deciding whether to close after a flush).
//
// States: unauthenticated, authenticated (username set), terminated.
// Terminated is absorbing: every fault sends exactly one ERROR frame and ends
// the session. The protocol has no recoverable per-frame errors.
type Engine struct {
	connectionID int64
	registry     *registry.Registry
	store        database.UserStore

	username      string
	subscriptions map[string]string // subscription id -> channel
	terminated    atomic.Bool
}

func NewEngine(store database.UserStore) *Engine {
	return &Engine{
		store:         store,
		subscriptions: make(map[string]string),
	}
}

// Start binds the engine to its connection. Called once, before any frame.
func (e *Engine) Start(connectionID int64, reg *registry.Registry) {
	e.connectionID = connectionID
	e.registry = reg
}

// ShouldTerminate reports whether the terminated state was reached. The
// transport must stop feeding frames once it returns true and may close the
// socket only after flushing queued outbound data.
func (e *Engine) ShouldTerminate() bool {
	return e.terminated.Load()
}

// Process decodes one raw message and dispatches it. Malformed frames are
// answered with an ERROR frame and terminate the connection without ever
// reaching a command handler.
func (e *Engine) Process(raw string) {
	if e.terminated.Load() {
		return
	}

	f := frame.Parse(raw)
	if !f.Validate() {
		metrics.FramesReceived.WithLabelValues("invalid").Inc()
		logger.DebugF("[conn-%d] Invalid frame: %s", e.connectionID, f.ValidationError())
		e.reject(f, f.ValidationError())
		return
	}
	metrics.FramesReceived.WithLabelValues(string(f.Command)).Inc()

	switch f.Command {
	case frame.CmdConnect:
		e.handleConnect(f)
	case frame.CmdSend:
		e.handleSend(f)
	case frame.CmdSubscribe:
		e.handleSubscribe(f)
	case frame.CmdUnsubscribe:
		e.handleUnsubscribe(f)
	case frame.CmdDisconnect:
		e.handleDisconnect(f)
	default:
		// Validate only passes the five client commands.
	}
}

// reject sends the single ERROR frame for this connection and terminates it.
func (e *Engine) reject(f *frame.Frame, diagnostic string) {
	errorFrame := frame.NewErrorFrame(f, diagnostic)
	e.registry.Unicast(e.connectionID, errorFrame.Encode())
	metrics.ErrorFramesSent.Inc()
	e.terminated.Store(true)
	e.registry.Disconnect(e.connectionID)
}

func (e *Engine) sendReceiptIfRequested(f *frame.Frame) {
	if f.ReceiptRequested() {
		e.registry.Unicast(e.connectionID, frame.NewReceiptFrame(f).Encode())
	}
}

func (e *Engine) handleConnect(f *frame.Frame) {
	login := f.Header(frame.HeaderLogin)
	status := e.registry.Connect(e.connectionID, login, f.Header(frame.HeaderPasscode))

	switch status {
	case database.LoggedInSuccessfully, database.AddedNewUser:
		e.username = login
		version := f.Header(frame.HeaderAcceptVersion)
		e.registry.Unicast(e.connectionID, frame.NewConnectedFrame(version).Encode())
		// The handshake has no receipt semantics, even if the header is set.
	default:
		var errMsg string
		switch status {
		case database.AlreadyLoggedIn:
			errMsg = "User already logged in"
		case database.WrongPassword:
			errMsg = "Wrong password"
		case database.BackendError:
			errMsg = "Database connection error during login"
		default:
			errMsg = "Unknown login error"
		}
		e.reject(f, errMsg)
	}
}

func (e *Engine) handleSend(f *frame.Frame) {
	channel := f.Header(frame.HeaderDestination)

	if !e.registry.IsLoggedIn(e.connectionID) || !e.registry.IsSubscribed(e.connectionID, channel) {
		e.reject(f, "User not logged in or not subscribed to channel: "+channel)
		return
	}

	// Audit tracking is best effort: a backend failure is logged server side
	// and the message is still delivered.
	if err := e.store.TrackUpload(e.username, f.Header(frame.HeaderFilename), channel); err != nil {
		logger.WarnF("[conn-%d] Fail to track upload for user %s, details: %v", e.connectionID, e.username, err)
	}

	e.registry.Broadcast(channel, f.Body)
	e.sendReceiptIfRequested(f)
}

func (e *Engine) handleSubscribe(f *frame.Frame) {
	if !e.registry.IsLoggedIn(e.connectionID) {
		e.reject(f, "User not logged in")
		return
	}

	channel := f.Header(frame.HeaderDestination)
	subscriptionID := f.Header(frame.HeaderID)

	if e.registry.IsSubscribed(e.connectionID, channel) {
		e.reject(f, "User already subscribed to channel: "+channel)
		return
	}
	if _, used := e.subscriptions[subscriptionID]; used {
		e.reject(f, "Subscription id already in use: "+subscriptionID)
		return
	}

	e.subscriptions[subscriptionID] = channel
	e.registry.Subscribe(e.connectionID, channel, subscriptionID)
	e.sendReceiptIfRequested(f)
}

func (e *Engine) handleUnsubscribe(f *frame.Frame) {
	if !e.registry.IsLoggedIn(e.connectionID) {
		e.reject(f, "User not logged in")
		return
	}

	subscriptionID := f.Header(frame.HeaderID)
	channel, ok := e.subscriptions[subscriptionID]
	delete(e.subscriptions, subscriptionID)
	if ok {
		e.registry.Unsubscribe(e.connectionID, channel)
	}
	// An unknown id resolves to no channel and stays a no-op.

	e.sendReceiptIfRequested(f)
}

func (e *Engine) handleDisconnect(f *frame.Frame) {
	// The receipt is queued before the disconnect so it is flushed before the
	// socket closes.
	e.sendReceiptIfRequested(f)

	e.subscriptions = make(map[string]string)
	e.terminated.Store(true)
	e.registry.Disconnect(e.connectionID)
}
