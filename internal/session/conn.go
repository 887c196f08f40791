package session

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go-chat-core/internal/chat"

	"github.com/google/uuid"
)

// State is where a connection is in its lifecycle.
type State int32

const (
	StateHandshaking State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Conn is one authenticated client connection. Pushes go through a bounded
// queue that a single writer goroutine drains to the transport.
type Conn struct {
	id        string
	nodeID    string
	identity  chat.Identity
	transport Transport
	log       *slog.Logger

	state    atomic.Int32
	lastSeen atomic.Int64

	send       chan Outbound
	writerDone chan struct{}
	cancel     context.CancelCauseFunc
	closeOnce  sync.Once

	mu      sync.Mutex
	closing bool
	holding bool
	held    []chat.Push
}

func newConn(identity chat.Identity, nodeID string, t Transport, buffer int, log *slog.Logger) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:         id,
		nodeID:     nodeID,
		identity:   identity,
		transport:  t,
		log:        log.With("conn_id", id, "identity", identity),
		send:       make(chan Outbound, buffer),
		writerDone: make(chan struct{}),
	}
	c.state.Store(int32(StateAuthenticated))
	return c
}

func (c *Conn) ID() string              { return c.id }
func (c *Conn) Identity() chat.Identity { return c.identity }
func (c *Conn) NodeID() string          { return c.nodeID }
func (c *Conn) State() State            { return State(c.state.Load()) }

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
	c.log.Debug("connection state", "state", s)
}

func (c *Conn) touch(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

func (c *Conn) idleSince() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Deliver queues p without blocking. A full queue or a closing connection
// reports chat.ErrTransport and the caller treats this connection as gone.
func (c *Conn) Deliver(p chat.Push) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return fmt.Errorf("connection %s closing: %w", c.id, chat.ErrTransport)
	}
	if c.holding {
		c.held = append(c.held, p)
		return nil
	}
	select {
	case c.send <- pushEvent(p):
		return nil
	default:
		c.closing = true
		c.cancel(errBackpressure)
		return fmt.Errorf("connection %s: %w", c.id, errBackpressure)
	}
}

// hold buffers pushes while the registration replay runs.
func (c *Conn) hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holding = true
}

// release writes everything buffered by hold, in sequence order per
// conversation and once per message, then switches to direct queueing. Pushes
// arriving meanwhile wait on c.mu so none can overtake the buffer.
func (c *Conn) release(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	held := c.held
	c.held = nil
	c.holding = false

	slices.SortStableFunc(held, func(a, b chat.Push) int {
		return cmp.Or(
			cmp.Compare(a.Message.ConversationID, b.Message.ConversationID),
			cmp.Compare(a.Message.Seq, b.Message.Seq),
		)
	})
	seen := make(map[uuid.UUID]struct{}, len(held))
	for _, p := range held {
		if _, dup := seen[p.Message.ID]; dup {
			continue
		}
		seen[p.Message.ID] = struct{}{}
		select {
		case c.send <- pushEvent(p):
		case <-c.writerDone:
			return fmt.Errorf("connection %s writer stopped: %w", c.id, chat.ErrTransport)
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	return nil
}

// reply queues an answer to the client. It blocks while the queue is full and
// gives up once the writer has stopped.
func (c *Conn) reply(out Outbound) {
	select {
	case c.send <- out:
	case <-c.writerDone:
		c.log.Debug("reply dropped, writer stopped", "kind", out.Kind)
	}
}

func (c *Conn) stopPushes() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
}

// writeLoop is the only goroutine that writes to the transport once the
// connection is active. When ctx ends it drains what is queued within drain.
func (c *Conn) writeLoop(ctx context.Context, drain time.Duration) {
	defer close(c.writerDone)
	for {
		select {
		case out := <-c.send:
			if err := c.transport.Write(context.Background(), out); err != nil {
				c.cancel(fmt.Errorf("write: %w", err))
				return
			}
		case <-ctx.Done():
			c.flush(drain)
			return
		}
	}
}

func (c *Conn) flush(drain time.Duration) {
	dctx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	for {
		select {
		case out := <-c.send:
			if err := c.transport.Write(dctx, out); err != nil {
				c.log.Debug("drain stopped", "err", err)
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) closeTransport() {
	c.closeOnce.Do(func() {
		if err := c.transport.Close(); err != nil {
			c.log.Debug("transport close", "err", err)
		}
	})
}
