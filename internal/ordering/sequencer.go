// Package ordering stamps per-conversation sequence numbers and tracks client
// acknowledgements, driving redelivery when they do not arrive.
package ordering

import (
	"context"
	"fmt"
	"sync"

	"go-chat-core/internal/chat"
)

// Sequencer hands out strictly increasing, gapless numbers per conversation.
type Sequencer interface {
	Next(ctx context.Context, conversationID string) (uint64, error)
}

// SeqSource tells a sequencer where a conversation left off.
type SeqSource interface {
	LastSeq(ctx context.Context, conversationID string) (uint64, error)
}

type counter struct {
	mu     sync.Mutex
	seeded bool
	value  uint64
}

// MemorySequencer serializes every conversation on its own counter lock.
// Only valid when a single process submits to a conversation.
type MemorySequencer struct {
	mu       sync.Mutex
	counters map[string]*counter
	source   SeqSource
}

func NewMemorySequencer(source SeqSource) *MemorySequencer {
	return &MemorySequencer{counters: make(map[string]*counter), source: source}
}

func (s *MemorySequencer) counter(conversationID string) *counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[conversationID]
	if !ok {
		c = &counter{}
		s.counters[conversationID] = c
	}
	return c
}

func (s *MemorySequencer) Next(ctx context.Context, conversationID string) (uint64, error) {
	c := s.counter(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.seeded {
		if s.source != nil {
			last, err := s.source.LastSeq(ctx, conversationID)
			if err != nil {
				return 0, fmt.Errorf("seed sequence for %s: %w", conversationID, err)
			}
			c.value = last
		}
		c.seeded = true
	}
	c.value++
	return c.value, nil
}

var _ Sequencer = (*MemorySequencer)(nil)

// sequencerUnavailable classifies backend failures like an unavailable store.
func sequencerUnavailable(conversationID string, err error) error {
	return fmt.Errorf("%w: next sequence for %s: %v", chat.ErrStoreUnavailable, conversationID, err)
}
