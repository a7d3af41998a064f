// Package registry tracks live websocket connections and is the single
// enforcement point for tenant- and membership-scoped delivery.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ngoclp2000/VIChat/internal/utils/log"
)

type (
	// Conn is one live, authenticated connection. The registry owns it from
	// Register until Unregister; the gateway's write pump drains Outbound.
	Conn struct {
		ID       string
		TenantID string
		UserID   string
		DeviceID string
		Roles    []string

		mu      sync.RWMutex
		send    chan []byte
		closed  bool
		dropped int
	}

	// Registry is shared by every connection goroutine. Injectable so tests
	// run isolated instances.
	Registry struct {
		mu    sync.RWMutex
		conns map[string]*Conn
	}
)

func NewConn(id, tenantID, userID, deviceID string, roles []string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 16
	}
	return &Conn{
		ID:       id,
		TenantID: tenantID,
		UserID:   userID,
		DeviceID: deviceID,
		Roles:    roles,
		send:     make(chan []byte, buffer),
	}
}

func (c *Conn) Outbound() <-chan []byte { return c.send }

// Enqueue hands a frame to the connection without blocking. When the buffer
// is full the oldest pending frame is dropped; a stalled consumer must never
// stall a broadcast pass. Returns false if the connection is closed.
// The write lock serializes concurrent broadcasters through the drop-oldest
// branch; otherwise two of them could each evict a frame to insert one and
// race on the drop counter.
func (c *Conn) Enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
	}
	select {
	case <-c.send:
		c.dropped++
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close shuts the outbound channel. Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if c.dropped > 0 {
		log.Warn("connection dropped frames on stall",
			zap.String("conn", c.ID),
			zap.Int("dropped", c.dropped))
	}
}

func New() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	log.Info("connection registered",
		zap.String("conn", c.ID),
		zap.String("tenant", c.TenantID),
		zap.String("user", c.UserID))
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if ok {
		c.Close()
		log.Info("connection unregistered", zap.String("conn", id))
	}
}

func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast delivers frame to every live connection in tenantID. When
// allowedUserIDs is non-nil only those users receive it; membership filtering
// happens here, not only at write time. Returns the delivery count.
func (r *Registry) Broadcast(tenantID string, frame []byte, allowedUserIDs []string) int {
	var allowed map[string]struct{}
	if allowedUserIDs != nil {
		allowed = make(map[string]struct{}, len(allowedUserIDs))
		for _, id := range allowedUserIDs {
			allowed[id] = struct{}{}
		}
	}

	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.TenantID != tenantID {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[c.UserID]; !ok {
				continue
			}
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.Enqueue(frame) {
			n++
		}
	}
	return n
}
