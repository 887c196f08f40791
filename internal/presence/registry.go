// Package presence tracks which connections are live for each identity on this node.
// The Registry is the only source of truth for "is this user online".
package presence

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"

	"go-chat-core/internal/chat"
)

const DefaultShards = 64

// Conn is the registry's view of a live connection.
type Conn interface {
	ID() string
	Identity() chat.Identity
	NodeID() string
	// Deliver hands a push to the connection's outbound queue without blocking.
	Deliver(p chat.Push) error
}

// Event is passed to registration handlers. First is set when the identity had no
// other local connection, Last when its final local connection left.
type Event struct {
	Conn  Conn
	First bool
	Last  bool
}

type Handler func(ctx context.Context, ev Event)

type shard struct {
	mu sync.RWMutex
	// Slices are never mutated in place; register/unregister swap in a new one.
	entries map[chat.Identity][]Conn
}

type Registry struct {
	shards []*shard

	hmu          sync.RWMutex
	onRegister   []Handler
	onUnregister []Handler
}

func NewRegistry(numShards int) *Registry {
	if numShards <= 0 {
		numShards = DefaultShards
	}
	r := &Registry{shards: make([]*shard, numShards)}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[chat.Identity][]Conn)}
	}
	return r
}

func (r *Registry) shardFor(id chat.Identity) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// OnRegister adds a handler run synchronously, in the registering flow, after the
// connection became visible to Lookup.
func (r *Registry) OnRegister(fn Handler) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.onRegister = append(r.onRegister, fn)
}

func (r *Registry) OnUnregister(fn Handler) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.onUnregister = append(r.onUnregister, fn)
}

// Register adds conn under its identity. Registering the same connection ID twice
// is a no-op and reports false.
func (r *Registry) Register(ctx context.Context, conn Conn) bool {
	s := r.shardFor(conn.Identity())

	s.mu.Lock()
	current := s.entries[conn.Identity()]
	if slices.ContainsFunc(current, func(c Conn) bool { return c.ID() == conn.ID() }) {
		s.mu.Unlock()
		return false
	}
	next := make([]Conn, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, conn)
	s.entries[conn.Identity()] = next
	s.mu.Unlock()

	r.emit(ctx, r.registerHandlers(), Event{Conn: conn, First: len(current) == 0})
	return true
}

// Unregister removes conn. It is a no-op, reporting false, when conn is absent.
func (r *Registry) Unregister(ctx context.Context, conn Conn) bool {
	s := r.shardFor(conn.Identity())

	s.mu.Lock()
	current := s.entries[conn.Identity()]
	idx := slices.IndexFunc(current, func(c Conn) bool { return c.ID() == conn.ID() })
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	next := slices.Delete(slices.Clone(current), idx, idx+1)
	if len(next) == 0 {
		delete(s.entries, conn.Identity())
	} else {
		s.entries[conn.Identity()] = next
	}
	s.mu.Unlock()

	r.emit(ctx, r.unregisterHandlers(), Event{Conn: conn, Last: len(next) == 0})
	return true
}

// Lookup returns a snapshot of the identity's live connections, empty when offline.
func (r *Registry) Lookup(id chat.Identity) []Conn {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries[id])
}

func (r *Registry) Online(id chat.Identity) bool {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[id]) > 0
}

// Count is the number of live connections across all identities.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.entries {
			n += len(conns)
		}
		s.mu.RUnlock()
	}
	return n
}

// Identities lists identities with at least one live connection.
func (r *Registry) Identities() []chat.Identity {
	var out []chat.Identity
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.entries {
			out = append(out, id)
		}
		s.mu.RUnlock()
	}
	return out
}

func (r *Registry) registerHandlers() []Handler {
	r.hmu.RLock()
	defer r.hmu.RUnlock()
	return r.onRegister
}

func (r *Registry) unregisterHandlers() []Handler {
	r.hmu.RLock()
	defer r.hmu.RUnlock()
	return r.onUnregister
}

func (r *Registry) emit(ctx context.Context, handlers []Handler, ev Event) {
	for _, fn := range handlers {
		fn(ctx, ev)
	}
}
