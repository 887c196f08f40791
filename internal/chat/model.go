package chat

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// ---------------------------------------------
// Identities & Conversations
// ---------------------------------------------

// Identity is the opaque user reference handed to us by the auth collaborator.
type Identity string

type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Participants []Identity       `json:"participants"`
	CreatedAt    time.Time        `json:"created_at"`
}

// DirectConversationID is the same for both orderings of a and b.
func DirectConversationID(a, b Identity) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + string(a) + ":" + string(b)
}

func (c Conversation) HasParticipant(id Identity) bool {
	return slices.Contains(c.Participants, id)
}

// Recipients is everyone in the conversation except the sender.
func (c Conversation) Recipients(sender Identity) []Identity {
	return lo.Without(c.Participants, sender)
}

// NormalizeParticipants sorts and dedupes, dropping empty identities.
func NormalizeParticipants(ids []Identity) []Identity {
	out := make([]Identity, 0, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(string(id)) != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ---------------------------------------------
// Messages
// ---------------------------------------------

type DeliveryState string

const (
	StatePending   DeliveryState = "PENDING"
	StateDelivered DeliveryState = "DELIVERED"
	StateAcked     DeliveryState = "ACKED"
)

// CanTransition reports whether a per-recipient delivery may move from s to next.
// ACKED is terminal.
func (s DeliveryState) CanTransition(next DeliveryState) bool {
	switch s {
	case StatePending:
		return next == StateDelivered || next == StateAcked
	case StateDelivered:
		return next == StatePending || next == StateAcked
	default:
		return false
	}
}

// Message is immutable once sequenced; only per-recipient delivery state moves.
type Message struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Sender         Identity   `json:"sender"`
	Recipients     []Identity `json:"recipients"`
	Content        string     `json:"content"`
	Seq            uint64     `json:"seq"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Delivery is the per-recipient view of a message.
type Delivery struct {
	MessageID uuid.UUID     `json:"message_id"`
	Recipient Identity      `json:"recipient"`
	State     DeliveryState `json:"state"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Draft is what a client submits. Either ConversationID or To must be set.
type Draft struct {
	Sender         Identity
	ConversationID string
	To             []Identity
	Content        string
}

// Push is one delivery attempt of a message to one recipient's connection.
type Push struct {
	Message    Message
	Recipient  Identity
	Redelivery bool
	Attempt    int
}

// ---------------------------------------------
// Submission results
// ---------------------------------------------

type SubmitStatus string

const (
	// StatusQueued: the store is unreachable, the message sits in the retry backlog.
	StatusQueued SubmitStatus = "queued"
	// StatusAccepted: persisted, at least one recipient not yet handed off.
	StatusAccepted SubmitStatus = "accepted"
	// StatusDelivered: handed to the transport of every recipient.
	StatusDelivered SubmitStatus = "delivered"
)

type Receipt struct {
	MessageID      uuid.UUID    `json:"message_id"`
	ConversationID string       `json:"conversation_id"`
	Seq            uint64       `json:"seq"`
	Status         SubmitStatus `json:"status"`
}
