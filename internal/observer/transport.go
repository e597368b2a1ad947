package observer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 20
	sendQueueSize  = 64
)

// ErrClosed is returned by Send on a closed connection.
var ErrClosed = errors.New("observer: connection closed")

// Envelope is the wire frame in both directions. A frame carrying an id
// expects a reply; the reply echoes the id with Ack set.
type Envelope struct {
	Event string          `json:"event"`
	ID    int64           `json:"id,omitempty"`
	Ack   bool            `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Conn is one observer's push channel.
type Conn interface {
	// Send delivers an event. When onAck is non-nil the peer is asked to
	// acknowledge and onAck runs with its reply payload.
	Send(event string, data any, onAck func(json.RawMessage)) error
	// Reply answers a peer request carrying id.
	Reply(event string, id int64, data any) error
	Close()
}

// wsConn is a gorilla websocket Conn with a single writer goroutine.
type wsConn struct {
	ws   *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
	seq  atomic.Int64

	pending   map[int64]func(json.RawMessage)
	pendingMu sync.Mutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the console is served from another port
	},
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:      ws,
		out:     make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		pending: make(map[int64]func(json.RawMessage)),
	}
	go c.writeLoop()
	return c
}

func (c *wsConn) Send(event string, data any, onAck func(json.RawMessage)) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("observer: marshal %s: %w", event, err)
	}
	env := Envelope{Event: event, Data: raw}
	if onAck != nil {
		env.ID = c.seq.Add(1)
		c.pendingMu.Lock()
		c.pending[env.ID] = onAck
		c.pendingMu.Unlock()
	}
	if err := c.enqueue(env); err != nil {
		if onAck != nil {
			c.pendingMu.Lock()
			delete(c.pending, env.ID)
			c.pendingMu.Unlock()
		}
		return err
	}
	return nil
}

func (c *wsConn) Reply(event string, id int64, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("observer: marshal %s reply: %w", event, err)
	}
	return c.enqueue(Envelope{Event: event, ID: id, Ack: true, Data: raw})
}

func (c *wsConn) enqueue(env Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("observer: marshal envelope: %w", err)
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
		c.pendingMu.Lock()
		c.pending = make(map[int64]func(json.RawMessage))
		c.pendingMu.Unlock()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("Observer write failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readLoop resolves acks and hands every other frame to handle, returning
// when the socket fails.
func (c *wsConn) readLoop(handle func(Envelope)) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("Observer socket closed unexpectedly", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("Observer sent malformed frame", "error", err)
			continue
		}
		if env.Ack {
			c.pendingMu.Lock()
			fn, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.pendingMu.Unlock()
			if ok {
				fn(env.Data)
			}
			continue
		}
		handle(env)
	}
}

// ServeWS upgrades the request and runs an observer session until the socket
// closes.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Observer upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := newWSConn(ws)
	s := m.Connect(conn)
	slog.Info("Observer connected", "session", s.ID(), "remote", r.RemoteAddr)

	conn.readLoop(func(env Envelope) { m.Handle(s, env) })

	m.Disconnect(s)
	conn.Close()
	slog.Info("Observer disconnected", "session", s.ID())
}
