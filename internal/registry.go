package internal

import (
	"fmt"
	"log/slog"
	"sync"
)

// Connection is one live socket session as seen by the registry and broadcaster.
type Connection interface {
	ID() string
	Identity() Identity
	Send(payload []byte) error
	Close() error
}

// Registry tracks live connections. Every successful mutation pushes the new
// live-user count to all registered connections before the lock is released,
// so two joins or leaves never interleave their mutate and broadcast steps.
type Registry struct {
	mutex    sync.RWMutex
	conns    map[string]Connection
	presence *PresenceTracker
	metrics  *Metrics
	limiter  *RateLimiter
}

func NewRegistry(presence *PresenceTracker, metrics *Metrics) *Registry {
	if presence == nil {
		presence = NewPresenceTracker()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Registry{
		conns:    make(map[string]Connection),
		presence: presence,
		metrics:  metrics,
	}
}

// Register adds conn and broadcasts the new count to everyone, conn included.
func (r *Registry) Register(conn Connection) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.conns[conn.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, conn.ID())
	}
	r.conns[conn.ID()] = conn
	r.presence.Increment(conn.Identity().Email)
	r.metrics.IncConn()
	count := len(r.conns)
	slog.Info("client connected", "connId", conn.ID(), "email", conn.Identity().Email, "count", count)
	r.broadcastCountLocked(count)
	return nil
}

// Deregister removes the connection with the given id. Unknown ids are ignored
// since a disconnect can race with shutdown. It reports whether anything was removed.
func (r *Registry) Deregister(id string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	conn, exists := r.conns[id]
	if !exists {
		return false
	}
	delete(r.conns, id)
	r.presence.Decrement(conn.Identity().Email)
	r.metrics.DecConn()
	if r.limiter != nil {
		r.limiter.Forget(id)
	}
	count := len(r.conns)
	slog.Info("client disconnected", "connId", id, "email", conn.Identity().Email, "count", count)
	r.broadcastCountLocked(count)
	return true
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.conns)
}

// Users returns how many distinct emails are connected.
func (r *Registry) Users() int {
	return r.presence.ActiveCount()
}

// Online reports whether email has at least one registered connection.
func (r *Registry) Online(email string) bool {
	return r.presence.Online(email)
}

func (r *Registry) lookup(id string) (Connection, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// fanOut enqueues payload on every connection except senderID and returns the
// number of peers that accepted it. Peers that cannot take it are evicted.
func (r *Registry) fanOut(senderID string, payload []byte) int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	delivered := 0
	for id, conn := range r.conns {
		if id == senderID {
			continue
		}
		if err := conn.Send(payload); err != nil {
			r.metrics.IncDropped()
			go r.evict(conn, err)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) broadcastCountLocked(count int) {
	payload, err := encodeEvent(EventLiveUsersCount, count)
	if err != nil {
		slog.Error("encode count", "error", err)
		return
	}
	for _, conn := range r.conns {
		if err := conn.Send(payload); err != nil {
			go r.evict(conn, err)
		}
	}
}

// evict drops a peer that can no longer keep up. It must not be called with the lock held.
func (r *Registry) evict(conn Connection, cause error) {
	if r.Deregister(conn.ID()) {
		slog.Warn("evicting connection", "connId", conn.ID(), "error", cause)
	}
	_ = conn.Close()
}

// CloseAll closes every connection without broadcasting counts. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mutex.Lock()
	conns := r.conns
	r.conns = make(map[string]Connection)
	r.mutex.Unlock()
	for id, conn := range conns {
		r.presence.Decrement(conn.Identity().Email)
		r.metrics.DecConn()
		if r.limiter != nil {
			r.limiter.Forget(id)
		}
		_ = conn.Close()
	}
}
