// Package ws carries sessions over WebSocket connections.
package ws

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go-chat-core/internal/chat"
	"go-chat-core/internal/session"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a message to the peer.
	maxMessageSize = 64 * 1024        // Maximum message size allowed from peer.
)

// Transport adapts one upgraded connection to session.Transport.
type Transport struct {
	conn *websocket.Conn

	// connect synthesized from the upgrade request's credential, read first.
	pending *session.Inbound

	closeOnce sync.Once
	closeErr  error
}

// NewTransport wraps conn. A non-empty credential taken from the HTTP request
// stands in for the client's connect frame.
func NewTransport(conn *websocket.Conn, credential string) *Transport {
	conn.SetReadLimit(maxMessageSize)
	t := &Transport{conn: conn}
	if credential != "" {
		t.pending = &session.Inbound{Kind: session.InConnect, Credential: credential}
	}
	return t
}

func (t *Transport) Read(ctx context.Context) (session.Inbound, error) {
	if in := t.pending; in != nil {
		t.pending = nil
		return *in, nil
	}

	deadline, _ := ctx.Deadline()
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return session.Inbound{}, fmt.Errorf("%w: %v", chat.ErrTransport, err)
	}
	// Unblock the read once ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = t.conn.SetReadDeadline(time.Now()) })
	defer stop()

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return session.Inbound{}, context.Cause(ctx)
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return session.Inbound{}, io.EOF
		}
		return session.Inbound{}, fmt.Errorf("%w: %v", chat.ErrTransport, err)
	}
	return DecodeInbound(data)
}

func (t *Transport) Write(ctx context.Context, out session.Outbound) error {
	data, err := EncodeOutbound(out)
	if err != nil {
		return fmt.Errorf("encode %s: %w", out.Kind, err)
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrTransport, err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrTransport, err)
	}
	return nil
}

// Close sends a close frame and releases the socket.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
