package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	logx "chatnotify/pkg/logx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Frames exchanged with a presence client.
const (
	frameOpen  = "open"
	frameLeave = "leave"
	framePing  = "ping"
	framePong  = "pong"
	frameError = "error"
)

type frame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

type wsConn struct {
	user string
	conn *websocket.Conn
	send chan frame
	once sync.Once
	done chan struct{}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// push queues a frame unless the client is gone or too slow.
func (c *wsConn) push(f frame) bool {
	select {
	case <-c.done:
		return false
	case c.send <- f:
		return true
	default:
		return false
	}
}

type wsRegistry struct {
	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func newWSRegistry() *wsRegistry {
	return &wsRegistry{conns: make(map[*wsConn]struct{})}
}

func (r *wsRegistry) add(c *wsConn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *wsRegistry) remove(c *wsConn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

func (r *wsRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *wsRegistry) closeAll() {
	r.mu.Lock()
	conns := make([]*wsConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// serveWS keeps a user's presence in sync with a websocket. "open" marks the
// conversation active, "leave" or a disconnect clears it.
func (h *handlers) serveWS(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	if user == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn("ws upgrade failed", logx.String("user", user), logx.Any("err", err))
		return
	}

	c := &wsConn{user: user, conn: conn, send: make(chan frame, 16), done: make(chan struct{})}
	h.ws.add(c)
	h.Log.Debug("ws connected", logx.String("user", user))

	go h.writePump(c)
	h.readPump(c)
}

func (h *handlers) readPump(c *wsConn) {
	defer func() {
		h.ws.remove(c)
		c.close()
		// The request context is gone once the connection is hijacked.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		h.Presence.ClearActive(ctx, c.user)
		cancel()
		h.Log.Debug("ws disconnected", logx.String("user", c.user))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.Log.Debug("ws read error", logx.String("user", c.user), logx.Any("err", err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.push(frame{Type: frameError, Error: "invalid json"})
			continue
		}
		h.handleFrame(c, f)
	}
}

func (h *handlers) handleFrame(c *wsConn, f frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch f.Type {
	case frameOpen:
		if err := h.Presence.SetActive(ctx, c.user, f.ConversationID); err != nil {
			c.push(frame{Type: frameError, Error: err.Error()})
		}
	case frameLeave:
		h.Presence.ClearActive(ctx, c.user)
	case framePing:
		c.push(frame{Type: framePong})
	default:
		c.push(frame{Type: frameError, Error: "unknown frame type: " + f.Type})
	}
}

func (h *handlers) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
