package tripcache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10

	hubBufferSize = 32
)

var errClientGone = errors.New("tripcache: client window closed")

// hubMessage is the JSON envelope exchanged with client windows.
//
//	server -> client: hello, notification, focus, open
//	client -> server: navigate, notificationclick, ping
type hubMessage struct {
	Type         string            `json:"type"`
	ClientID     string            `json:"clientId,omitempty"`
	URL          string            `json:"url,omitempty"`
	Action       string            `json:"action,omitempty"`
	Data         *NotificationData `json:"data,omitempty"`
	Notification *Notification     `json:"notification,omitempty"`
}

type ClickHandler func(ctx context.Context, action string, data NotificationData) error

// ClientHub tracks the app windows connected over WebSocket. It is the
// Notifier and the Clients of the notification bridge.
type ClientHub struct {
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu      sync.RWMutex
	conns   map[string]*hubConn
	onClick ClickHandler
}

func NewClientHub(log *zap.Logger) *ClientHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &ClientHub{
		log:   log,
		conns: map[string]*hubConn{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return strings.EqualFold(hostWithoutScheme(origin), r.Host)
			},
		},
	}
}

func (h *ClientHub) SetClickHandler(fn ClickHandler) {
	h.mu.Lock()
	h.onClick = fn
	h.mu.Unlock()
}

// ServeHTTP upgrades a window's connection. The window may announce its
// current URL with ?url=; later navigations arrive as messages.
func (h *ClientHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("client upgrade failed", zap.Error(err))
		return
	}
	c := &hubConn{
		hub:         h,
		id:          uuid.NewString(),
		socket:      socket,
		url:         r.URL.Query().Get("url"),
		send:        make(chan hubMessage, hubBufferSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.log.Debug("client connected", zap.String("client", c.id), zap.String("url", c.url))

	c.enqueue(hubMessage{Type: "hello", ClientID: c.id})
	go c.writeLoop()
	c.readLoop()
}

// ShowNotification delivers n to every connected window.
func (h *ClientHub) ShowNotification(_ context.Context, n Notification) error {
	conns := h.snapshot()
	if len(conns) == 0 {
		return ErrNoClients
	}
	for _, c := range conns {
		nn := n
		c.enqueue(hubMessage{Type: "notification", Notification: &nn})
	}
	return nil
}

func (h *ClientHub) MatchAll(context.Context) []Client {
	conns := h.snapshot()
	out := make([]Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// OpenWindow asks the most recently connected window to open target.
func (h *ClientHub) OpenWindow(_ context.Context, target string) error {
	conns := h.snapshot()
	if len(conns) == 0 {
		return ErrNoClients
	}
	c := conns[len(conns)-1]
	if !c.enqueue(hubMessage{Type: "open", URL: target}) {
		return errClientGone
	}
	return nil
}

func (h *ClientHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// snapshot returns the windows ordered by connection time.
func (h *ClientHub) snapshot() []*hubConn {
	h.mu.RLock()
	out := make([]*hubConn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].connectedAt.Before(out[j].connectedAt) })
	return out
}

func (h *ClientHub) unregister(c *hubConn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

func (h *ClientHub) clickHandler() ClickHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onClick
}

type hubConn struct {
	hub         *ClientHub
	id          string
	socket      *websocket.Conn
	send        chan hubMessage
	done        chan struct{}
	once        sync.Once
	connectedAt time.Time

	mu  sync.RWMutex
	url string
}

func (c *hubConn) ID() string { return c.id }

func (c *hubConn) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

func (c *hubConn) Focus(context.Context) error {
	if !c.enqueue(hubMessage{Type: "focus"}) {
		return errClientGone
	}
	return nil
}

func (c *hubConn) enqueue(m hubMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- m:
		return true
	case <-c.done:
		return false
	default:
		c.hub.log.Warn("dropping slow client", zap.String("client", c.id))
		c.close()
		return false
	}
}

func (c *hubConn) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("client closed unexpectedly", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		var msg hubMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.hub.log.Debug("invalid client message", zap.String("client", c.id), zap.Error(err))
			continue
		}
		switch msg.Type {
		case "navigate":
			c.mu.Lock()
			c.url = msg.URL
			c.mu.Unlock()
		case "notificationclick":
			fn := c.hub.clickHandler()
			if fn == nil {
				continue
			}
			var data NotificationData
			if msg.Data != nil {
				data = *msg.Data
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			if err := fn(ctx, msg.Action, data); err != nil {
				c.hub.log.Warn("notification click failed", zap.String("client", c.id), zap.Error(err))
			}
			cancel()
		case "ping":
			c.enqueue(hubMessage{Type: "pong"})
		default:
			c.hub.log.Debug("unsupported client message", zap.String("type", msg.Type))
		}
	}
}

func (c *hubConn) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case m := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(m); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *hubConn) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		close(c.done)
		_ = c.socket.Close()
	})
}

func hostWithoutScheme(origin string) string {
	if i := strings.Index(origin, "://"); i >= 0 {
		origin = origin[i+3:]
	}
	return strings.TrimRight(origin, "/")
}
