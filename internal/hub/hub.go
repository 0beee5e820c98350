package hub

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// Conn is the slice of a websocket connection the hub needs.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Viewer 表示一个已注册的观众连接，写入串行化，避免历史回放和广播交错帧。
type Viewer struct {
	ID string

	mu   sync.Mutex
	conn Conn
}

// Send writes one event to this viewer only.
func (v *Viewer) Send(event any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conn.WriteJSON(event)
}

func (v *Viewer) close() {
	_ = v.conn.Close()
}

// Hub tracks the currently connected viewers and fans events out to them.
// There is no buffering and no acknowledgment: a viewer that joins late never
// sees earlier events, a viewer that fails a write is dropped.
type Hub struct {
	mu      sync.RWMutex
	viewers map[*Viewer]struct{}
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{viewers: make(map[*Viewer]struct{})}
}

// Register wraps conn as a viewer and adds it to the delivery set.
func (h *Hub) Register(conn Conn) *Viewer {
	v := &Viewer{ID: uuid.NewString(), conn: conn}

	h.mu.Lock()
	h.viewers[v] = struct{}{}
	online := len(h.viewers)
	h.mu.Unlock()

	log.Printf("[hub] viewer %s connected (%d online)", v.ID, online)
	return v
}

// Unregister removes v from the delivery set. Safe to call twice.
func (h *Hub) Unregister(v *Viewer) {
	h.mu.Lock()
	_, ok := h.viewers[v]
	delete(h.viewers, v)
	h.mu.Unlock()

	if ok {
		log.Printf("[hub] viewer %s disconnected", v.ID)
	}
}

// Count returns the number of registered viewers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// Broadcast delivers event to every registered viewer. Membership is
// snapshotted first so concurrent connects and disconnects cannot corrupt the
// iteration; a failed send prunes that viewer without aborting delivery to
// the rest. Each viewer sees events in Broadcast call order.
func (h *Hub) Broadcast(event any) {
	h.mu.RLock()
	snapshot := make([]*Viewer, 0, len(h.viewers))
	for v := range h.viewers {
		snapshot = append(snapshot, v)
	}
	h.mu.RUnlock()

	for _, v := range snapshot {
		if err := v.Send(event); err != nil {
			log.Printf("[hub] dropping viewer %s: %v", v.ID, err)
			h.Unregister(v)
			v.close()
		}
	}
}
