package delivery

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"go-chat-core/internal/chat"
	"go-chat-core/internal/metrics"
	"go-chat-core/internal/ordering"
	"go-chat-core/internal/presence"
	"go-chat-core/internal/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// maxBackfill bounds one backfill answer.
const maxBackfill = 500

// Remote reaches connections owned by other nodes. Nil means single-node.
type Remote interface {
	// Forward hands p to every other node holding a connection of p.Recipient and
	// reports whether at least one node took it.
	Forward(ctx context.Context, p chat.Push) (bool, error)
	// PublishAck tells other nodes a delivery was settled here.
	PublishAck(ctx context.Context, key ordering.Key) error
}

type Config struct {
	StoreRetryInitial time.Duration
	StoreRetryMax     int
	LockStripes       int
}

func DefaultConfig() Config {
	return Config{StoreRetryInitial: 100 * time.Millisecond, StoreRetryMax: 4, LockStripes: 256}
}

type queued struct {
	conv chat.Conversation
	msg  chat.Message
}

// Router turns submissions into sequenced, persisted messages and pushes them to
// every reachable recipient connection.
type Router struct {
	log      *slog.Logger
	store    store.Store
	registry *presence.Registry
	seq      ordering.Sequencer
	tracker  *ordering.Tracker
	metrics  *metrics.Metrics
	remote   Remote
	cfg      Config
	now      func() time.Time

	// Conversation stripes: sequencing, persisting and pushing of one conversation
	// happen under the same lock so pushes leave in sequence order.
	locks []sync.Mutex

	backlogMu sync.Mutex
	backlog   []queued
	flushMu   sync.Mutex
}

type Option func(*Router)

func WithRemote(remote Remote) Option {
	return func(r *Router) { r.remote = remote }
}

func NewRouter(
	log *slog.Logger,
	st store.Store,
	registry *presence.Registry,
	seq ordering.Sequencer,
	tracker *ordering.Tracker,
	m *metrics.Metrics,
	cfg Config,
	opts ...Option,
) *Router {
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = DefaultConfig().LockStripes
	}
	r := &Router{
		log:      log,
		store:    st,
		registry: registry,
		seq:      seq,
		tracker:  tracker,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
		locks:    make([]sync.Mutex, cfg.LockStripes),
	}
	for _, opt := range opts {
		opt(r)
	}
	registry.OnRegister(r.replay)
	tracker.SetRedeliverer(r.Redeliver)
	return r
}

func (r *Router) lock(conversationID string) func() {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	mu := &r.locks[h.Sum32()%uint32(len(r.locks))]
	mu.Lock()
	return mu.Unlock
}

// Submit accepts a draft from a connection bound to identity bound.
func (r *Router) Submit(ctx context.Context, bound chat.Identity, d chat.Draft) (chat.Receipt, error) {
	start := r.now()
	defer func() {
		r.metrics.SubmitDuration.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	if d.Sender != bound {
		return chat.Receipt{}, fmt.Errorf("sender %q on connection of %q: %w", d.Sender, bound, chat.ErrAuthorization)
	}
	if d.Content == "" {
		return chat.Receipt{}, fmt.Errorf("empty content: %w", chat.ErrInvalidMessage)
	}

	// From here on the message belongs to its recipients, not to the sender's
	// connection: a disconnect must not abort it.
	ctx = context.WithoutCancel(ctx)

	conv, stored, err := r.resolveConversation(ctx, d)
	if err != nil {
		return chat.Receipt{}, err
	}

	unlock := r.lock(conv.ID)
	defer unlock()

	if r.backlogged(conv.ID) {
		// Earlier messages of this conversation still wait for the store. Queue
		// behind them and take a sequence number when they have gone out.
		return r.queue(conv, r.newMessage(conv, d, 0)), nil
	}

	var seq uint64
	err = r.retry(ctx, "next sequence", func() error {
		var err error
		seq, err = r.seq.Next(ctx, conv.ID)
		return err
	})
	if errors.Is(err, chat.ErrStoreUnavailable) {
		r.log.Warn("sequencer unavailable, message queued", "conversation_id", conv.ID, "err", err)
		return r.queue(conv, r.newMessage(conv, d, 0)), nil
	}
	if err != nil {
		return chat.Receipt{}, fmt.Errorf("sequence %s: %w", conv.ID, err)
	}
	msg := r.newMessage(conv, d, seq)
	receipt := chat.Receipt{MessageID: msg.ID, ConversationID: conv.ID, Seq: seq}

	if err := r.persist(ctx, conv, stored, msg); err != nil {
		r.log.Warn("store unavailable, message queued", "conversation_id", conv.ID, "seq", seq, "err", err)
		return r.queue(conv, msg), nil
	}

	receipt.Status = chat.StatusAccepted
	if r.fanOut(ctx, msg) {
		receipt.Status = chat.StatusDelivered
	}
	r.metrics.MessagesSubmitted.WithLabelValues(string(receipt.Status)).Inc()
	return receipt, nil
}

// newMessage builds the stored form of d. A zero seq is assigned when the
// message leaves the backlog.
func (r *Router) newMessage(conv chat.Conversation, d chat.Draft, seq uint64) chat.Message {
	return chat.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Sender:         d.Sender,
		Recipients:     conv.Recipients(d.Sender),
		Content:        d.Content,
		Seq:            seq,
		CreatedAt:      r.now().UTC(),
	}
}

// resolveConversation finds or creates the draft's conversation. stored reports
// whether it is known to be persisted; an unpersisted direct conversation is
// created together with its first message.
func (r *Router) resolveConversation(ctx context.Context, d chat.Draft) (chat.Conversation, bool, error) {
	to := chat.NormalizeParticipants(d.To)

	if d.ConversationID != "" {
		var conv chat.Conversation
		err := r.retry(ctx, "load conversation", func() error {
			var err error
			conv, err = r.store.Conversation(ctx, d.ConversationID)
			return err
		})
		switch {
		case err == nil:
			if !conv.HasParticipant(d.Sender) {
				return chat.Conversation{}, false, fmt.Errorf("%q not in %s: %w", d.Sender, conv.ID, chat.ErrAuthorization)
			}
			return conv, true, nil
		case errors.Is(err, chat.ErrNotFound) && len(to) > 0:
			conv = chat.Conversation{
				ID:           d.ConversationID,
				Kind:         chat.KindGroup,
				Participants: chat.NormalizeParticipants(append(to, d.Sender)),
			}
			return r.ensure(ctx, conv, d.Sender)
		default:
			return chat.Conversation{}, false, err
		}
	}

	others := make([]chat.Identity, 0, len(to))
	for _, id := range to {
		if id != d.Sender {
			others = append(others, id)
		}
	}
	switch len(others) {
	case 0:
		return chat.Conversation{}, false, fmt.Errorf("no recipients: %w", chat.ErrInvalidMessage)
	case 1:
		conv := chat.Conversation{
			ID:           chat.DirectConversationID(d.Sender, others[0]),
			Kind:         chat.KindDirect,
			Participants: chat.NormalizeParticipants([]chat.Identity{d.Sender, others[0]}),
		}
		conv, stored, err := r.ensure(ctx, conv, d.Sender)
		if errors.Is(err, chat.ErrStoreUnavailable) {
			// Participants are fully known from the draft: still sequence and queue it.
			return conv, false, nil
		}
		return conv, stored, err
	default:
		return chat.Conversation{}, false, fmt.Errorf("group message without conversation id: %w", chat.ErrInvalidMessage)
	}
}

func (r *Router) ensure(ctx context.Context, conv chat.Conversation, sender chat.Identity) (chat.Conversation, bool, error) {
	var got chat.Conversation
	err := r.retry(ctx, "ensure conversation", func() error {
		var err error
		got, err = r.store.EnsureConversation(ctx, conv)
		return err
	})
	if err != nil {
		return conv, false, err
	}
	if !got.HasParticipant(sender) {
		return chat.Conversation{}, false, fmt.Errorf("%q not in %s: %w", sender, got.ID, chat.ErrAuthorization)
	}
	return got, true, nil
}

func (r *Router) persist(ctx context.Context, conv chat.Conversation, stored bool, msg chat.Message) error {
	return r.retry(ctx, "append message", func() error {
		if !stored {
			if _, err := r.store.EnsureConversation(ctx, conv); err != nil {
				return err
			}
			stored = true
		}
		return r.store.Append(ctx, msg)
	})
}

// retry re-runs fn with exponential backoff while the store reports itself
// unavailable. Other errors are returned at once.
func (r *Router) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.StoreRetryInitial
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.StoreRetryMax)), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !errors.Is(err, chat.ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		r.metrics.StoreRetries.Inc()
		r.log.Debug("store call failed, retrying", "op", op, "wait", wait, "err", err)
	})
}

// fanOut pushes msg to every recipient independently and reports whether all of
// them were handed off.
func (r *Router) fanOut(ctx context.Context, msg chat.Message) bool {
	all := true
	for _, rcpt := range msg.Recipients {
		if !r.deliver(ctx, chat.Push{Message: msg, Recipient: rcpt}) {
			all = false
		}
	}
	return all
}

func (r *Router) deliver(ctx context.Context, p chat.Push) bool {
	if !r.push(ctx, p) {
		return false
	}
	r.markDelivered(ctx, p.Message, p.Recipient)
	return true
}

// push hands p to every live connection of the recipient, local and remote.
func (r *Router) push(ctx context.Context, p chat.Push) bool {
	handed := false
	for _, conn := range r.registry.Lookup(p.Recipient) {
		if err := conn.Deliver(p); err != nil {
			r.metrics.Pushes.WithLabelValues("failed").Inc()
			r.log.Warn("push failed, demoting connection", "conn_id", conn.ID(), "identity", p.Recipient, "err", err)
			r.registry.Unregister(ctx, conn)
			continue
		}
		r.metrics.Pushes.WithLabelValues("ok").Inc()
		handed = true
	}
	if r.remote != nil {
		ok, err := r.remote.Forward(ctx, p)
		if err != nil {
			r.log.Warn("forward to remote nodes failed", "identity", p.Recipient, "err", err)
		}
		if ok {
			r.metrics.Pushes.WithLabelValues("remote").Inc()
			handed = true
		}
	}
	return handed
}

func (r *Router) markDelivered(ctx context.Context, msg chat.Message, rcpt chat.Identity) {
	r.tracker.Track(msg, rcpt)
	if _, err := r.store.MarkState(ctx, msg.ID, rcpt, chat.StateDelivered); err != nil {
		// The ack window is already running: a lost DELIVERED mark only costs a replay.
		r.log.Warn("could not mark delivered", "message_id", msg.ID, "identity", rcpt, "err", err)
	}
}

// Redeliver is the tracker's push path after an ack timeout.
func (r *Router) Redeliver(ctx context.Context, p chat.Push) (bool, error) {
	return r.push(ctx, p), nil
}

// replay runs when a connection registers and pushes everything its identity has
// not acked yet, to that connection only.
func (r *Router) replay(ctx context.Context, ev presence.Event) {
	id := ev.Conn.Identity()
	msgs, err := r.store.FetchPending(ctx, id)
	if err != nil {
		r.log.Warn("replay fetch failed", "identity", id, "conn_id", ev.Conn.ID(), "err", err)
		return
	}
	for _, m := range msgs {
		if err := ev.Conn.Deliver(chat.Push{Message: m, Recipient: id}); err != nil {
			r.log.Warn("replay interrupted", "identity", id, "conn_id", ev.Conn.ID(), "err", err)
			return
		}
		r.markDelivered(ctx, m, id)
	}
	if len(msgs) > 0 {
		r.log.Debug("replayed pending messages", "identity", id, "conn_id", ev.Conn.ID(), "count", len(msgs))
	}
}

// Ack settles recipient's delivery of (conversationID, seq), from any of its devices.
func (r *Router) Ack(ctx context.Context, recipient chat.Identity, conversationID string, seq uint64) (bool, error) {
	key := ordering.Key{Recipient: recipient, ConversationID: conversationID, Seq: seq}
	changed, err := r.tracker.Ack(ctx, key)
	if err != nil {
		return false, err
	}
	if changed && r.remote != nil {
		if err := r.remote.PublishAck(ctx, key); err != nil {
			r.log.Warn("could not broadcast ack", "identity", recipient, "conversation_id", conversationID, "seq", seq, "err", err)
		}
	}
	return changed, nil
}

// Backfill returns stored messages of a conversation the requester takes part in.
func (r *Router) Backfill(ctx context.Context, requester chat.Identity, conversationID string, from, to uint64) ([]chat.Message, error) {
	if from == 0 || to < from {
		return nil, fmt.Errorf("range %d..%d: %w", from, to, chat.ErrInvalidMessage)
	}
	if to-from >= maxBackfill {
		to = from + maxBackfill - 1
	}
	conv, err := r.store.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(requester) {
		return nil, fmt.Errorf("%q not in %s: %w", requester, conversationID, chat.ErrAuthorization)
	}
	return r.store.FetchRange(ctx, conversationID, from, to)
}
