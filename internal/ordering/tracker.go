package ordering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go-chat-core/internal/chat"
	"go-chat-core/internal/metrics"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// RetryPolicy: wait Timeout after the first push, then Timeout*Multiplier^n after
// the n-th redelivery, for at most MaxAttempts redeliveries.
type RetryPolicy struct {
	Timeout     time.Duration
	Multiplier  float64
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Timeout: 5 * time.Second, Multiplier: 2, MaxAttempts: 5}
}

// Delay is the ack window following the given redelivery attempt (0 = first push).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(p.Timeout) * math.Pow(mult, float64(attempt)))
}

// Key identifies one recipient's delivery of one message. Devices of the same
// identity share a key, so any of them acking settles it.
type Key struct {
	Recipient      chat.Identity
	ConversationID string
	Seq            uint64
}

// Redeliverer pushes p to the recipient's live connections and reports whether at
// least one accepted it.
type Redeliverer func(ctx context.Context, p chat.Push) (bool, error)

// DeliveryStore is the part of the message store the tracker writes to.
type DeliveryStore interface {
	MarkState(ctx context.Context, messageID uuid.UUID, recipient chat.Identity, state chat.DeliveryState) (bool, error)
	FetchRange(ctx context.Context, conversationID string, from, to uint64) ([]chat.Message, error)
}

type inflight struct {
	msg      chat.Message
	attempts int
	timer    *clock.Timer
}

type Tracker struct {
	log     *slog.Logger
	clock   clock.Clock
	policy  RetryPolicy
	store   DeliveryStore
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	inflight  map[Key]*inflight
	redeliver Redeliverer
}

type TrackerOption func(*Tracker)

func WithClock(c clock.Clock) TrackerOption {
	return func(t *Tracker) { t.clock = c }
}

func NewTracker(log *slog.Logger, store DeliveryStore, policy RetryPolicy, m *metrics.Metrics, opts ...TrackerOption) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		log:      log,
		clock:    clock.New(),
		policy:   policy,
		store:    store,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[Key]*inflight),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetRedeliverer wires the push path. The router owns it and the tracker is
// built first, hence the setter.
func (t *Tracker) SetRedeliverer(fn Redeliverer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.redeliver = fn
}

// Track starts the ack window for a message handed to recipient's transport.
// Tracking an already tracked key keeps the running window.
func (t *Tracker) Track(msg chat.Message, recipient chat.Identity) bool {
	key := Key{Recipient: recipient, ConversationID: msg.ConversationID, Seq: msg.Seq}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		return false
	}
	if _, ok := t.inflight[key]; ok {
		return false
	}
	e := &inflight{msg: msg}
	e.timer = t.clock.AfterFunc(t.policy.Delay(0), func() { t.expire(key) })
	t.inflight[key] = e
	return true
}

func (t *Tracker) expire(key Key) {
	t.mu.Lock()
	e, ok := t.inflight[key]
	if !ok || t.ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	if e.attempts >= t.policy.MaxAttempts {
		delete(t.inflight, key)
		t.mu.Unlock()
		t.giveUp(key, e.msg, "retry budget exhausted")
		t.metrics.RedeliveryExhausted.Inc()
		return
	}
	e.attempts++
	attempt := e.attempts
	// Arm the next window before pushing so an ack racing the push finds it.
	e.timer = t.clock.AfterFunc(t.policy.Delay(attempt), func() { t.expire(key) })
	redeliver := t.redeliver
	t.mu.Unlock()

	if redeliver == nil {
		return
	}
	t.metrics.Redeliveries.Inc()
	handed, err := redeliver(t.ctx, chat.Push{Message: e.msg, Recipient: key.Recipient, Redelivery: true, Attempt: attempt})
	if err != nil {
		t.log.Warn("redelivery failed", "identity", key.Recipient, "conversation_id", key.ConversationID, "seq", key.Seq, "attempt", attempt, "err", err)
	}
	if !handed && t.drop(key, e) {
		// Nobody to redeliver to: replay on reconnect takes over.
		t.giveUp(key, e.msg, "recipient unreachable")
	}
}

// drop removes key only if it still refers to e.
func (t *Tracker) drop(key Key, e *inflight) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.inflight[key]; ok && cur == e {
		cur.timer.Stop()
		delete(t.inflight, key)
		return true
	}
	return false
}

func (t *Tracker) giveUp(key Key, msg chat.Message, reason string) {
	changed, err := t.store.MarkState(t.ctx, msg.ID, key.Recipient, chat.StatePending)
	if err != nil {
		t.log.Error("could not return delivery to pending", "message_id", msg.ID, "identity", key.Recipient, "err", err)
		return
	}
	if !changed {
		return
	}
	t.log.Info("delivery left pending", "reason", reason, "identity", key.Recipient, "conversation_id", key.ConversationID, "seq", key.Seq)
}

// Ack settles a delivery. It reports true only for the ack that moved the store
// to ACKED, so duplicate acks from several devices are harmless.
func (t *Tracker) Ack(ctx context.Context, key Key) (bool, error) {
	t.mu.Lock()
	e, ok := t.inflight[key]
	if ok {
		e.timer.Stop()
		delete(t.inflight, key)
	}
	t.mu.Unlock()

	var messageID uuid.UUID
	if ok {
		messageID = e.msg.ID
	} else {
		msgs, err := t.store.FetchRange(ctx, key.ConversationID, key.Seq, key.Seq)
		if err != nil {
			return false, fmt.Errorf("resolve ack %s#%d: %w", key.ConversationID, key.Seq, err)
		}
		if len(msgs) == 0 {
			return false, fmt.Errorf("ack %s#%d: %w", key.ConversationID, key.Seq, chat.ErrNotFound)
		}
		messageID = msgs[0].ID
	}

	changed, err := t.store.MarkState(ctx, messageID, key.Recipient, chat.StateAcked)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return false, fmt.Errorf("ack by non-recipient %s: %w", key.Recipient, chat.ErrAuthorization)
		}
		return false, err
	}
	if changed {
		t.metrics.Acks.Inc()
	}
	return changed, nil
}

// Forget drops the window without touching the store, used when another node
// already settled the key.
func (t *Tracker) Forget(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.inflight[key]; ok {
		e.timer.Stop()
		delete(t.inflight, key)
	}
}

func (t *Tracker) Attempts(key Key) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.inflight[key]
	if !ok {
		return 0, false
	}
	return e.attempts, true
}

func (t *Tracker) Inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Stop cancels every window. Deliveries stay in their stored state and are
// picked up by replay after restart.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel()
	for key, e := range t.inflight {
		e.timer.Stop()
		delete(t.inflight, key)
	}
}
