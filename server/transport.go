// The websocket transport: one read loop (the coordinator's Serve) and one
// write pump per connection. Outbound frames go through a bounded queue so a
// slow browser never blocks another connection's task.

package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dmrelay/logger"
	"dmrelay/models"
	"dmrelay/protocol"
)

// Hub tracks live websocket connections by handle and implements Emitter.
type Hub struct {
	mu    sync.RWMutex
	conns map[models.Handle]*wsConn
	log   *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		conns: make(map[models.Handle]*wsConn),
		log:   logger.OrNop(log),
	}
}

func (h *Hub) add(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.handle] = c
}

func (h *Hub) remove(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.conns[c.handle]; ok && current == c {
		delete(h.conns, c.handle)
	}
}

func (h *Hub) get(handle models.Handle) (*wsConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[handle]
	return c, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Emit queues one event for handle. Unknown or closed handles drop the event.
func (h *Hub) Emit(handle models.Handle, event string, payload any) {
	c, ok := h.get(handle)
	if !ok {
		h.log.Debug("dropping event for closed connection", zap.String("handle", string(handle)), zap.String("event", event))
		return
	}

	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.log.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}

	if !c.enqueue(frame) {
		h.log.Debug("dropping event", zap.String("handle", string(handle)), zap.String("event", event))
	}
}

// CloseAll closes every live connection; their read loops end and run the
// usual disconnect cleanup.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

type wsConn struct {
	handle models.Handle
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	log    *zap.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newWSConn(ws *websocket.Conn, cfg *ServerConfig, log *zap.Logger) *wsConn {
	c := &wsConn{
		handle:       models.NewHandle(),
		ws:           ws,
		send:         make(chan []byte, cfg.SendQueue),
		done:         make(chan struct{}),
		log:          log,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}

	ws.SetReadLimit(protocol.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	})
	return c
}

func (c *wsConn) Handle() models.Handle {
	return c.handle
}

// Next reads the next text frame and decodes it.
func (c *wsConn) Next(ctx context.Context) (protocol.Event, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Event{}, err
	}

	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Event{}, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))

	if msgType != websocket.TextMessage {
		return protocol.Event{}, fmt.Errorf("%w: expected text frame", protocol.ErrInvalidEvent)
	}
	return protocol.ParseEvent(data)
}

// enqueue never blocks. A full queue means the client stopped reading; the
// connection is closed rather than letting it stall senders.
func (c *wsConn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("send queue full, closing slow connection", zap.String("handle", string(c.handle)))
		c.close()
		return false
	}
}

// close asks the write pump to say goodbye and tear the socket down.
func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// writePump is the only writer of data frames on the socket and the one
// that closes it.
func (c *wsConn) writePump() {
	pingPeriod := c.readTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("error writing to connection", zap.String("handle", string(c.handle)), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeTimeout))
			return
		}
	}
}

// flush writes whatever is still queued so replies sent just before a close
// reach the client.
func (c *wsConn) flush() {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(allowedOrigins) == 0 {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
		return upgrader
	}

	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
	return upgrader
}
