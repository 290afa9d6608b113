// Package registry holds the process-wide table of live connections, the
// username index enforcing exclusive logins, and the channel fan-out tables.
// Every exported operation is safe under unbounded concurrent invocation;
// callers never need external locking.
package registry

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-utils/safemap"

	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/database"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/frame"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/logger"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/metrics"
)

// ConnectionHandler is the transport-side contract the registry writes to.
// Send queues one encoded frame; the transport appends the terminator byte.
// Close must flush queued outbound data before releasing the socket and must
// tolerate being called more than once.
type ConnectionHandler interface {
	Send(data []byte) error
	Close() error
}

// Session associates a connection with its transport handle and, once a
// CONNECT succeeded, its username.
type Session struct {
	handler ConnectionHandler

	mu       sync.Mutex
	username string
	closed   atomic.Bool
}

func (s *Session) setUsername(username string) {
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Registry is the shared connection/subscription state. Channel tables are
// keyed per channel and session state per connection id, so no operation ever
// takes a broker-wide lock.
type Registry struct {
	sessions *safemap.SafeMap[int64, *Session]

	// username -> *Session, the exclusive-login index.
	activeUsers sync.Map

	// channel -> *sync.Map (connection id -> subscription id).
	channels sync.Map

	store database.UserStore

	// Monotonic, never reused within a process lifetime. int64 keeps the
	// range 63-bit safe; wraparound is out of reach for any realistic run.
	connectionIDs atomic.Int64
	messageIDs    atomic.Int64
}

func New(store database.UserStore) *Registry {
	return &Registry{
		sessions: safemap.NewSafeMap[int64, *Session](),
		store:    store,
	}
}

// NewConnectionID allocates the next connection id. Ids are never reused
// while the process runs.
func (r *Registry) NewConnectionID() int64 {
	return r.connectionIDs.Add(1)
}

// AddConnection registers an unauthenticated session. The server loop calls
// this before the connection processes any frame.
func (r *Registry) AddConnection(id int64, handler ConnectionHandler) {
	r.sessions.Store(id, &Session{handler: handler})
	metrics.ActiveConnections.Inc()
	logger.DebugF("[conn-%d] Connection registered", id)
}

// Connect performs the credential check and binds the session to the
// username. The exclusivity check and the binding are one atomic step, so two
// concurrent CONNECTs for the same username cannot both succeed.
func (r *Registry) Connect(id int64, username, password string) database.LoginStatus {
	session, ok := r.sessions.Load(id)
	if !ok {
		// The connection disappeared between accept and CONNECT.
		return database.BackendError
	}

	status := r.store.Authenticate(username, password)
	if status != database.LoggedInSuccessfully && status != database.AddedNewUser {
		return status
	}

	if _, loaded := r.activeUsers.LoadOrStore(username, session); loaded {
		return database.AlreadyLoggedIn
	}
	session.setUsername(username)

	// The connection may have died during the credential check. Disconnect saw
	// no username then, so the binding must be rolled back here.
	if session.closed.Load() {
		if current, ok := r.activeUsers.Load(username); ok && current == session {
			r.activeUsers.Delete(username)
		}
		logger.DebugF("[conn-%d] Connection closed during login of user %s", id, username)
		return database.BackendError
	}

	if err := r.store.RecordLogin(id, username); err != nil {
		logger.WarnF("[conn-%d] Fail to record login for user %s, details: %v", id, username, err)
	}

	logger.InfoF("[conn-%d] User %s logged in (%v)", id, username, status)
	return status
}

// Disconnect removes the session, releases its username, closes the transport
// handle and drops the connection from every channel. It is idempotent and
// safe to call concurrently with in-flight reads and writes.
func (r *Registry) Disconnect(id int64) {
	session, ok := r.sessions.Load(id)
	if !ok {
		return
	}
	if !session.closed.CompareAndSwap(false, true) {
		return
	}

	r.sessions.Delete(id)
	metrics.ActiveConnections.Dec()

	if username := session.Username(); username != "" {
		// Release the name only if this session still owns it.
		if current, ok := r.activeUsers.Load(username); ok && current == session {
			r.activeUsers.Delete(username)
		}
		if err := r.store.RecordLogout(id); err != nil {
			logger.WarnF("[conn-%d] Fail to record logout, details: %v", id, err)
		}
	}

	if err := session.handler.Close(); err != nil {
		logger.DebugF("[conn-%d] Error occured while closing connection, details: %v", id, err)
	}

	r.channels.Range(func(channel, _ any) bool {
		r.Unsubscribe(id, channel.(string))
		return true
	})

	logger.InfoF("[conn-%d] Connection removed", id)
}

// Subscribe adds the connection to a channel. The channel entry is created
// lazily and atomically on the first subscriber.
func (r *Registry) Subscribe(id int64, channel, subscriptionID string) {
	subscribers, _ := r.channels.LoadOrStore(channel, &sync.Map{})
	subscribers.(*sync.Map).Store(id, subscriptionID)
	logger.DebugF("[conn-%d] Subscribed to channel %s with id %s", id, channel, subscriptionID)
}

// Unsubscribe removes the connection from a channel and drops the channel
// once its last subscriber leaves. Unknown channels are a no-op.
func (r *Registry) Unsubscribe(id int64, channel string) {
	value, ok := r.channels.Load(channel)
	if !ok {
		return
	}
	subscribers := value.(*sync.Map)
	subscribers.Delete(id)

	empty := true
	subscribers.Range(func(_, _ any) bool {
		empty = false
		return false
	})
	if empty {
		r.channels.Delete(channel)
	}
}

// Unicast queues encoded frame bytes for one connection. It returns false
// when the connection no longer exists; callers treat that as a silent drop,
// not an error.
func (r *Registry) Unicast(id int64, data []byte) bool {
	session, ok := r.sessions.Load(id)
	if !ok || session.closed.Load() {
		return false
	}
	if err := session.handler.Send(data); err != nil {
		logger.DebugF("[conn-%d] Fail to queue outbound data, details: %v", id, err)
		return false
	}
	return true
}

// Broadcast fans a body out to every current subscriber of the channel. One
// message id is allocated for the whole call and each recipient gets a
// MESSAGE frame carrying its own subscription id. Delivery is best effort:
// the subscriber set is a weakly consistent snapshot.
func (r *Registry) Broadcast(channel, body string) {
	value, ok := r.channels.Load(channel)
	if !ok {
		return
	}
	subscribers := value.(*sync.Map)

	messageID := strconv.FormatInt(r.messageIDs.Add(1), 10)
	metrics.BroadcastsTotal.Inc()

	delivered := 0
	subscribers.Range(func(connID, subscriptionID any) bool {
		message := frame.NewMessageFrame(subscriptionID.(string), messageID, channel, body)
		if r.Unicast(connID.(int64), message.Encode()) {
			delivered++
			metrics.MessagesDelivered.Inc()
		}
		return true
	})

	logger.DebugF("Broadcast message %s on channel %s delivered to %d subscribers", messageID, channel, delivered)
}

// IsLoggedIn reports whether the connection holds an authenticated session.
func (r *Registry) IsLoggedIn(id int64) bool {
	session, ok := r.sessions.Load(id)
	return ok && session.Username() != ""
}

// IsSubscribed reports whether the connection subscribes to the channel.
func (r *Registry) IsSubscribed(id int64, channel string) bool {
	value, ok := r.channels.Load(channel)
	if !ok {
		return false
	}
	_, ok = value.(*sync.Map).Load(id)
	return ok
}
