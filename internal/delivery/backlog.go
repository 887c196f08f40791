package delivery

import (
	"context"
	"time"

	"go-chat-core/internal/chat"
)

func (r *Router) enqueue(c queued) {
	r.backlogMu.Lock()
	defer r.backlogMu.Unlock()
	r.backlog = append(r.backlog, c)
	r.metrics.BacklogSize.Set(float64(len(r.backlog)))
}

func (r *Router) queue(conv chat.Conversation, msg chat.Message) chat.Receipt {
	r.enqueue(queued{conv: conv, msg: msg})
	r.metrics.MessagesSubmitted.WithLabelValues(string(chat.StatusQueued)).Inc()
	return chat.Receipt{MessageID: msg.ID, ConversationID: conv.ID, Seq: msg.Seq, Status: chat.StatusQueued}
}

// backlogged reports whether conversationID has queued messages. Callers hold
// the conversation lock.
func (r *Router) backlogged(conversationID string) bool {
	r.backlogMu.Lock()
	defer r.backlogMu.Unlock()
	for _, q := range r.backlog {
		if q.conv.ID == conversationID {
			return true
		}
	}
	return false
}

func (r *Router) Backlog() int {
	r.backlogMu.Lock()
	defer r.backlogMu.Unlock()
	return len(r.backlog)
}

// FlushBacklog tries to store queued messages in submission order and delivers
// each one that made it. It stops at the first failure so order is kept.
// Messages queued without a sequence number get one here.
func (r *Router) FlushBacklog(ctx context.Context) int {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	flushed := 0
	for {
		r.backlogMu.Lock()
		if len(r.backlog) == 0 {
			r.backlogMu.Unlock()
			return flushed
		}
		next := r.backlog[0]
		r.backlogMu.Unlock()

		unlock := r.lock(next.conv.ID)
		if next.msg.Seq == 0 {
			seq, err := r.seq.Next(ctx, next.conv.ID)
			if err != nil {
				unlock()
				r.log.Debug("backlog still blocked", "conversation_id", next.conv.ID, "err", err)
				return flushed
			}
			next.msg.Seq = seq
			// Only the flusher removes entries, so the head is still next.
			r.backlogMu.Lock()
			r.backlog[0].msg.Seq = seq
			r.backlogMu.Unlock()
		}
		err := r.persist(ctx, next.conv, false, next.msg)
		if err != nil {
			unlock()
			r.log.Debug("backlog still blocked", "conversation_id", next.conv.ID, "seq", next.msg.Seq, "err", err)
			return flushed
		}
		r.backlogMu.Lock()
		r.backlog = r.backlog[1:]
		r.metrics.BacklogSize.Set(float64(len(r.backlog)))
		r.backlogMu.Unlock()

		r.fanOut(ctx, next.msg)
		unlock()
		flushed++
	}
}

// Run drains the backlog every interval until ctx is done.
func (r *Router) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.FlushBacklog(ctx); n > 0 {
				r.log.Info("stored queued messages", "count", n)
			}
		}
	}
}
