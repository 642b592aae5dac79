package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"dmrelay/db"
	"dmrelay/logger"
	"dmrelay/models"
	"dmrelay/protocol"
	"dmrelay/registry"
)

const (
	defaultStoreTimeout = 5 * time.Second

	sendFailedText   = "Server error while sending message"
	invalidEventText = "Invalid event"
)

// Conn is one client's inbound event stream as the coordinator sees it.
type Conn interface {
	Handle() models.Handle
	// Next blocks until the next client event. protocol.ErrInvalidEvent,
	// protocol.ErrUnknownEvent and protocol.ErrRejectedEvent errors leave the
	// stream usable; any other error ends it.
	Next(ctx context.Context) (protocol.Event, error)
}

// Emitter delivers one server event to one connection. Emitting to a handle
// that is gone is a silent no-op.
type Emitter interface {
	Emit(handle models.Handle, event string, payload any)
}

type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the per-connection state the coordinator keeps.
type Session struct {
	handle models.Handle

	mu        sync.Mutex
	state     State
	usernames []string
	joined    models.Session
}

func newSession(handle models.Handle) *Session {
	return &Session{handle: handle}
}

func (s *Session) Handle() models.Handle {
	return s.handle
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Joined returns the pair this connection is joined with, if any.
func (s *Session) Joined() (models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined, s.state == StateJoined
}

// Usernames lists every name this connection registered, oldest first.
func (s *Session) Usernames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.usernames...)
}

// Coordinator turns client events into registry updates, store writes and
// peer notifications.
type Coordinator struct {
	registry *registry.Registry
	store    db.Store
	emitter  Emitter
	log      *zap.Logger

	storeTimeout time.Duration
	now          func() time.Time
}

func NewCoordinator(reg *registry.Registry, store db.Store, emitter Emitter, log *zap.Logger) *Coordinator {
	return &Coordinator{
		registry:     reg,
		store:        store,
		emitter:      emitter,
		log:          logger.OrNop(log),
		storeTimeout: defaultStoreTimeout,
		now:          time.Now,
	}
}

// Serve consumes conn's events in order until the stream ends, then runs the
// disconnect cleanup.
func (c *Coordinator) Serve(ctx context.Context, conn Conn) {
	sess := newSession(conn.Handle())
	defer c.Disconnect(sess)

	decodeErrors := 0
	for {
		evt, err := conn.Next(ctx)
		if err != nil {
			// Unknown and rejected events are dropped without a reply or a strike.
			if errors.Is(err, protocol.ErrUnknownEvent) || errors.Is(err, protocol.ErrRejectedEvent) {
				c.log.Debug("ignored client event", zap.String("handle", string(sess.handle)), zap.Error(err))
				continue
			}
			if errors.Is(err, protocol.ErrInvalidEvent) {
				decodeErrors++
				c.log.Debug("rejected client event", zap.String("handle", string(sess.handle)), zap.Error(err))
				c.emitter.Emit(sess.handle, protocol.EventErrorMessage, protocol.ErrorPayload{Text: invalidEventText})
				if decodeErrors >= protocol.MaxDecodeErrors {
					c.log.Info("closing connection after repeated invalid events", zap.String("handle", string(sess.handle)))
					return
				}
				continue
			}
			c.log.Debug("connection stream ended", zap.String("handle", string(sess.handle)), zap.Error(err))
			return
		}
		decodeErrors = 0
		c.Dispatch(ctx, sess, evt)
	}
}

func (c *Coordinator) Dispatch(ctx context.Context, sess *Session, evt protocol.Event) {
	switch evt.Name {
	case protocol.EventRegisterUser:
		c.RegisterUser(ctx, sess, evt.Username)
	case protocol.EventJoin:
		c.Join(sess, evt.Sender, evt.Receiver)
	case protocol.EventLeave:
		c.Leave(sess, evt.Sender, evt.Receiver)
	case protocol.EventSendMessage:
		c.SendMessage(ctx, sess, evt.Sender, evt.Receiver, evt.Text)
	case protocol.EventDisconnect:
		c.Disconnect(sess)
	default:
		c.emitter.Emit(sess.handle, protocol.EventErrorMessage, protocol.ErrorPayload{Text: invalidEventText})
	}
}

// RegisterUser points username at this connection. Names registered earlier
// on the same connection stay registered until disconnect.
func (c *Coordinator) RegisterUser(ctx context.Context, sess *Session, username string) {
	sess.mu.Lock()
	if sess.state == StateClosed {
		sess.mu.Unlock()
		return
	}
	known := false
	for _, u := range sess.usernames {
		if u == username {
			known = true
			break
		}
	}
	if !known {
		sess.usernames = append(sess.usernames, username)
	}
	sess.state = StateRegistered
	sess.joined = models.Session{}
	sess.mu.Unlock()

	c.registry.Register(username, sess.handle)
	c.log.Info("registered user", zap.String("username", username), zap.String("handle", string(sess.handle)))

	// The directory is best effort; presence never depends on the store.
	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	if err := c.store.MarkOnline(storeCtx, username, c.now()); err != nil {
		c.log.Warn("failed to record user online", zap.String("username", username), zap.Error(err))
	}
}

// Join acknowledges the session to the caller and announces it to receiver
// when receiver is online.
func (c *Coordinator) Join(sess *Session, sender, receiver string) {
	sess.mu.Lock()
	if sess.state == StateClosed {
		sess.mu.Unlock()
		return
	}
	sess.state = StateJoined
	sess.joined = models.Session{Sender: sender, Receiver: receiver}
	sess.mu.Unlock()

	c.log.Info("user joined chat", zap.String("sender", sender), zap.String("receiver", receiver))
	c.emitter.Emit(sess.handle, protocol.EventJoined, protocol.JoinedPayload{
		With: receiver,
		Time: protocol.FormatTime(c.now()),
	})

	if peer, ok := c.registry.Lookup(receiver); ok {
		c.emitter.Emit(peer, protocol.EventUserJoined, protocol.PresencePayload{Username: sender})
	}
}

// Leave tells receiver, if online, that sender left. The caller stays
// registered.
func (c *Coordinator) Leave(sess *Session, sender, receiver string) {
	sess.mu.Lock()
	if sess.state == StateClosed {
		sess.mu.Unlock()
		return
	}
	if sess.state == StateJoined {
		sess.state = StateRegistered
		sess.joined = models.Session{}
	}
	sess.mu.Unlock()

	c.log.Info("user left chat", zap.String("sender", sender), zap.String("receiver", receiver))
	if peer, ok := c.registry.Lookup(receiver); ok {
		c.emitter.Emit(peer, protocol.EventUserLeft, protocol.PresencePayload{Username: sender})
	}
}

// SendMessage persists the message, then echoes it to the sender and forwards
// it to receiver when online. If the write fails only the sender hears about
// it and nothing is delivered.
func (c *Coordinator) SendMessage(ctx context.Context, sess *Session, sender, receiver, text string) {
	if sess.State() == StateClosed {
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	msg, err := c.store.AppendMessage(storeCtx, sender, receiver, text)
	cancel()
	if err != nil {
		c.log.Error("message error",
			zap.String("sender", sender),
			zap.String("receiver", receiver),
			zap.Bool("unavailable", db.IsUnavailable(err)),
			zap.Error(err),
		)
		c.emitter.Emit(sess.handle, protocol.EventErrorMessage, protocol.ErrorPayload{Text: sendFailedText})
		return
	}

	payload := protocol.MessagePayload{
		Sender:   msg.Sender,
		Receiver: msg.Receiver,
		Text:     msg.Text,
		Time:     protocol.FormatTime(msg.Timestamp),
	}
	c.emitter.Emit(sess.handle, protocol.EventReceiveMessage, payload)

	// A self-addressed message is echoed once.
	if peer, ok := c.registry.Lookup(receiver); ok && peer != sess.handle {
		c.emitter.Emit(peer, protocol.EventReceiveMessage, payload)
	}
}

// Disconnect releases every presence entry the connection still owns. Peers
// are not notified. Calling it twice is harmless.
func (c *Coordinator) Disconnect(sess *Session) {
	sess.mu.Lock()
	if sess.state == StateClosed {
		sess.mu.Unlock()
		return
	}
	sess.state = StateClosed
	sess.joined = models.Session{}
	usernames := sess.usernames
	sess.mu.Unlock()

	if len(usernames) == 0 {
		c.log.Debug("client disconnected", zap.String("handle", string(sess.handle)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	defer cancel()

	now := c.now()
	for _, username := range usernames {
		if !c.registry.Unregister(username, sess.handle) {
			// A newer connection owns the name now.
			continue
		}
		if err := c.store.MarkOffline(ctx, username, now); err != nil {
			c.log.Warn("failed to record user offline", zap.String("username", username), zap.Error(err))
		}
		c.log.Info("user disconnected", zap.String("username", username), zap.String("handle", string(sess.handle)))
	}
}
