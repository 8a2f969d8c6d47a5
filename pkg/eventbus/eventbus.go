// Package eventbus provides real-time event push to external collaborators
// subscribed to a room, over WebSocket, so a peer tool doesn't have to poll
// GET /rooms/.../messages. A subscriber map guarded by a single RWMutex
// fans each IncomingEvent out to every subscriber registered for its room,
// upgrading connections with github.com/gorilla/websocket.
package eventbus

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentbridge/bridge/internal/model"
	"github.com/agentbridge/bridge/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Subscribers are external collaborators (CLI tools, peer bridges) on
	// the operator's own network, not browser pages; the usual CSRF-style
	// origin check doesn't apply the same way it would for a public site.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Subscriber receives a fan-out notification. Declared locally rather than
// imported from internal/toolsurface to avoid an import cycle (toolsurface
// depends on concrete components; the event bus must not depend back on
// toolsurface). cmd/bridge adapts between the two Subscriber types at the
// wiring point.
type Subscriber interface {
	Notify(evt *model.IncomingEvent)
}

type entry struct {
	roomID string
	sub    Subscriber
}

// Bus is the subscribe/unsubscribe fan-out component backing the Unified
// Tool Surface's subscribe/unsubscribe operations and the WebSocket upgrade
// endpoint.
type Bus struct {
	log *logger.Logger

	mu   sync.RWMutex
	subs map[string]entry // token -> (roomID, subscriber)
}

// New constructs an empty Bus.
func New(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Global()
	}
	return &Bus{log: log.WithComponent("eventbus"), subs: make(map[string]entry)}
}

// Subscribe registers sub for events in roomID and returns an opaque token
// that Unsubscribe accepts later.
func (b *Bus) Subscribe(roomID string, sub Subscriber) string {
	token := uuid.New().String()
	b.mu.Lock()
	b.subs[token] = entry{roomID: roomID, sub: sub}
	b.mu.Unlock()
	return token
}

// Unsubscribe removes a subscription. Unknown tokens are a no-op.
func (b *Bus) Unsubscribe(token string) {
	b.mu.Lock()
	delete(b.subs, token)
	b.mu.Unlock()
}

// Publish fans evt out to every subscriber registered for its room, calling
// each Notify synchronously while holding the read lock. The websocket
// connection subscriber type below writes each frame with a 5-second
// deadline and stops writing to a connection after its first failed write,
// so a slow reader can hold up Publish for up to that deadline per event.
func (b *Bus) Publish(evt *model.IncomingEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.subs {
		if e.roomID == evt.RoomID {
			e.sub.Notify(evt)
		}
	}
}

// wsSubscriber adapts one upgraded WebSocket connection into a Subscriber,
// serializing each IncomingEvent as a JSON frame.
type wsSubscriber struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (w *wsSubscriber) Notify(evt *model.IncomingEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := w.conn.WriteJSON(evt); err != nil {
		w.closed = true
	}
}

// ServeWS upgrades the request to a WebSocket and subscribes it to roomID
// for the connection's lifetime, backing the REST layer's `subscribe`
// surface for clients that want a live push rather than a unary tool call.
func (b *Bus) ServeWS(w http.ResponseWriter, r *http.Request, roomID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", "error", err, "room_id", roomID)
		return
	}
	sub := &wsSubscriber{conn: conn}
	token := b.Subscribe(roomID, sub)
	defer func() {
		b.Unsubscribe(token)
		conn.Close()
	}()

	// Drain and discard inbound frames (pings, client acks) until the
	// client disconnects; this connection is push-only.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Count reports the number of live subscriptions, for health reporting.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
