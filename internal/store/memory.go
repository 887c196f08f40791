package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go-chat-core/internal/chat"

	"github.com/google/uuid"
)

type deliveryKey struct {
	message   uuid.UUID
	recipient chat.Identity
}

// Memory keeps everything in process. Used by tests and single-node dev runs
// without DB_DSN.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	messages      map[uuid.UUID]chat.Message
	deliveries    map[deliveryKey]chat.Delivery
	now           func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]chat.Conversation),
		messages:      make(map[uuid.UUID]chat.Message),
		deliveries:    make(map[deliveryKey]chat.Delivery),
		now:           time.Now,
	}
}

func (s *Memory) EnsureConversation(_ context.Context, c chat.Conversation) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.conversations[c.ID]; ok {
		return existing, nil
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	c.Participants = slices.Clone(c.Participants)
	s.conversations[c.ID] = c
	return c, nil
}

func (s *Memory) Conversation(_ context.Context, id string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, fmt.Errorf("conversation %q: %w", id, chat.ErrNotFound)
	}
	return c, nil
}

func (s *Memory) Append(_ context.Context, m chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[m.ID]; ok {
		return nil
	}
	m.Recipients = slices.Clone(m.Recipients)
	s.messages[m.ID] = m
	for _, r := range m.Recipients {
		s.deliveries[deliveryKey{m.ID, r}] = chat.Delivery{
			MessageID: m.ID,
			Recipient: r,
			State:     chat.StatePending,
			UpdatedAt: s.now().UTC(),
		}
	}
	return nil
}

func (s *Memory) FetchPending(_ context.Context, id chat.Identity) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.Message
	for key, d := range s.deliveries {
		if key.recipient == id && d.State != chat.StateAcked {
			out = append(out, s.messages[key.message])
		}
	}
	slices.SortFunc(out, func(a, b chat.Message) int {
		return cmp.Or(cmp.Compare(a.ConversationID, b.ConversationID), cmp.Compare(a.Seq, b.Seq))
	})
	return out, nil
}

func (s *Memory) FetchRange(_ context.Context, conversationID string, from, to uint64) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.Seq >= from && m.Seq <= to {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b chat.Message) int { return cmp.Compare(a.Seq, b.Seq) })
	return out, nil
}

func (s *Memory) MarkState(_ context.Context, messageID uuid.UUID, recipient chat.Identity, state chat.DeliveryState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deliveryKey{messageID, recipient}
	d, ok := s.deliveries[key]
	if !ok {
		return false, fmt.Errorf("delivery %s/%s: %w", messageID, recipient, chat.ErrNotFound)
	}
	if !d.State.CanTransition(state) {
		return false, nil
	}
	d.State = state
	d.UpdatedAt = s.now().UTC()
	s.deliveries[key] = d
	return true, nil
}

func (s *Memory) State(_ context.Context, messageID uuid.UUID, recipient chat.Identity) (chat.DeliveryState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[deliveryKey{messageID, recipient}]
	if !ok {
		return "", fmt.Errorf("delivery %s/%s: %w", messageID, recipient, chat.ErrNotFound)
	}
	return d.State, nil
}

func (s *Memory) LastSeq(_ context.Context, conversationID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last uint64
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.Seq > last {
			last = m.Seq
		}
	}
	return last, nil
}

// Count returns how many distinct messages are stored.
func (s *Memory) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
