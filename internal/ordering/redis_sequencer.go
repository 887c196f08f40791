package ordering

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const seqKeyPrefix = "chat:seq:"

// RedisSequencer uses INCR so every node of a cluster draws from one counter.
type RedisSequencer struct {
	client *redis.Client
	source SeqSource
	seeded sync.Map // conversationID -> struct{}
}

func NewRedisSequencer(client *redis.Client, source SeqSource) *RedisSequencer {
	return &RedisSequencer{client: client, source: source}
}

func (s *RedisSequencer) Next(ctx context.Context, conversationID string) (uint64, error) {
	key := seqKeyPrefix + conversationID
	if _, ok := s.seeded.Load(conversationID); !ok {
		if err := s.seed(ctx, key, conversationID); err != nil {
			return 0, err
		}
		s.seeded.Store(conversationID, struct{}{})
	}
	v, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, sequencerUnavailable(conversationID, err)
	}
	return uint64(v), nil
}

// seed initialises a missing counter from the store. SETNX keeps an existing,
// possibly further advanced, counter untouched.
func (s *RedisSequencer) seed(ctx context.Context, key, conversationID string) error {
	var last uint64
	if s.source != nil {
		v, err := s.source.LastSeq(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("seed sequence for %s: %w", conversationID, err)
		}
		last = v
	}
	if err := s.client.SetNX(ctx, key, last, 0).Err(); err != nil {
		return sequencerUnavailable(conversationID, err)
	}
	return nil
}

var _ Sequencer = (*RedisSequencer)(nil)
