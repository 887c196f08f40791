package ws

import (
	"encoding/json"
	"fmt"

	"go-chat-core/internal/chat"
	"go-chat-core/internal/session"
)

// ClientFrame is the JSON a client sends, one per WebSocket text message.
type ClientFrame struct {
	Type           string          `json:"type"`
	Credential     string          `json:"credential,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	From           chat.Identity   `json:"from,omitempty"`
	To             []chat.Identity `json:"to,omitempty"`
	Content        string          `json:"content,omitempty"`
	Seq            uint64          `json:"seq,omitempty"`
	FromSeq        uint64          `json:"from_seq,omitempty"`
	ToSeq          uint64          `json:"to_seq,omitempty"`
}

// ServerFrame is the JSON the server sends.
type ServerFrame struct {
	Type       string         `json:"type"`
	RequestID  string         `json:"request_id,omitempty"`
	Message    *chat.Message  `json:"message,omitempty"`
	Redelivery bool           `json:"redelivery,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Receipt    *chat.Receipt  `json:"receipt,omitempty"`
	Messages   []chat.Message `json:"messages,omitempty"`
	Code       string         `json:"code,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

func DecodeInbound(data []byte) (session.Inbound, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return session.Inbound{}, fmt.Errorf("decode frame: %v: %w", err, chat.ErrProtocol)
	}
	if f.Type == "" {
		return session.Inbound{}, fmt.Errorf("frame without type: %w", chat.ErrProtocol)
	}
	return session.Inbound{
		Kind:           session.InboundKind(f.Type),
		Credential:     f.Credential,
		RequestID:      f.RequestID,
		ConversationID: f.ConversationID,
		From:           f.From,
		To:             f.To,
		Content:        f.Content,
		Seq:            f.Seq,
		FromSeq:        f.FromSeq,
		ToSeq:          f.ToSeq,
	}, nil
}

func EncodeOutbound(out session.Outbound) ([]byte, error) {
	f := ServerFrame{
		Type:      string(out.Kind),
		RequestID: out.RequestID,
		Message:   out.Message,
		Receipt:   out.Receipt,
		Messages:  out.Messages,
		Code:      out.Code,
		Reason:    out.Reason,
	}
	if out.Kind == session.OutRedeliveryNotice {
		f.Redelivery = true
		f.Attempt = out.Attempt
	}
	return json.Marshal(f)
}
