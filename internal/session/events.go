package session

import (
	"context"
	"errors"

	"go-chat-core/internal/chat"
)

// InboundKind names a client-originated event.
type InboundKind string

const (
	InConnect    InboundKind = "connect"
	InMessage    InboundKind = "message"
	InAck        InboundKind = "ack"
	InHeartbeat  InboundKind = "heartbeat"
	InBackfill   InboundKind = "backfill"
	InDisconnect InboundKind = "disconnect"
)

// Inbound is one decoded client event. Which fields are set depends on Kind.
type Inbound struct {
	Kind InboundKind

	Credential string // connect

	RequestID      string        // message, backfill: echoed in the answer
	ConversationID string        // message, ack, backfill
	From           chat.Identity // message: optional, must match the connection
	To             []chat.Identity
	Content        string

	Seq     uint64 // ack
	FromSeq uint64 // backfill
	ToSeq   uint64
}

type OutboundKind string

const (
	OutMessageReceived  OutboundKind = "messageReceived"
	OutRedeliveryNotice OutboundKind = "redeliveryNotice"
	OutAuthError        OutboundKind = "authError"
	OutSubmitResult     OutboundKind = "submitResult"
	OutBackfill         OutboundKind = "backfill"
	OutError            OutboundKind = "error"
)

type Outbound struct {
	Kind OutboundKind

	Message *chat.Message // messageReceived, redeliveryNotice
	Attempt int           // redeliveryNotice

	RequestID string
	Receipt   *chat.Receipt  // submitResult
	Messages  []chat.Message // backfill

	Code   string // error, authError
	Reason string
}

// Transport is one client channel: a WebSocket, a TCP stream, a queue.
// Read must return once ctx is done. Decode failures are reported wrapping
// chat.ErrProtocol, broken channels wrapping chat.ErrTransport.
type Transport interface {
	Read(ctx context.Context) (Inbound, error)
	Write(ctx context.Context, out Outbound) error
	Close() error
}

// ErrorCode maps an error to the code clients see.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrAuth):
		return "auth"
	case errors.Is(err, chat.ErrAuthorization):
		return "authorization"
	case errors.Is(err, chat.ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, chat.ErrNotFound):
		return "not_found"
	case errors.Is(err, chat.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, chat.ErrProtocol):
		return "protocol"
	default:
		return "internal"
	}
}

func errorEvent(requestID string, err error) Outbound {
	return Outbound{Kind: OutError, RequestID: requestID, Code: ErrorCode(err), Reason: err.Error()}
}

func pushEvent(p chat.Push) Outbound {
	msg := p.Message
	if p.Redelivery {
		return Outbound{Kind: OutRedeliveryNotice, Message: &msg, Attempt: p.Attempt}
	}
	return Outbound{Kind: OutMessageReceived, Message: &msg}
}
