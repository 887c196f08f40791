// Package store is the durable message store the delivery core hands messages to.
// Implementations must be safe for concurrent use.
package store

import (
	"context"

	"go-chat-core/internal/chat"

	"github.com/google/uuid"
)

type Store interface {
	// EnsureConversation creates c if its ID is unknown and returns the stored version.
	EnsureConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, error)
	Conversation(ctx context.Context, id string) (chat.Conversation, error)

	// Append is an upsert keyed by message ID: re-appending an existing message
	// changes neither the message nor any recipient's delivery state.
	Append(ctx context.Context, m chat.Message) error

	// FetchPending returns every message not yet ACKED by id, ordered by
	// conversation then ascending sequence.
	FetchPending(ctx context.Context, id chat.Identity) ([]chat.Message, error)
	// FetchRange returns messages with from <= seq <= to in ascending order.
	FetchRange(ctx context.Context, conversationID string, from, to uint64) ([]chat.Message, error)

	// MarkState moves one recipient's delivery forward. It reports false, with no
	// error, when the transition is not allowed from the current state.
	MarkState(ctx context.Context, messageID uuid.UUID, recipient chat.Identity, state chat.DeliveryState) (bool, error)
	State(ctx context.Context, messageID uuid.UUID, recipient chat.Identity) (chat.DeliveryState, error)

	// LastSeq is the highest stored sequence number of a conversation, 0 if none.
	LastSeq(ctx context.Context, conversationID string) (uint64, error)
}

// predecessors lists the states a delivery may move to next from.
func predecessors(next chat.DeliveryState) []chat.DeliveryState {
	var out []chat.DeliveryState
	for _, s := range []chat.DeliveryState{chat.StatePending, chat.StateDelivered, chat.StateAcked} {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}
