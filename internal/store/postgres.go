package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-chat-core/internal/chat"

	"github.com/google/uuid"
)

// recipientSep joins aggregated recipients; identities never contain control chars.
const recipientSep = "\x1f"

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", chat.ErrStoreUnavailable, op, err)
}

func (r *Postgres) EnsureConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Conversation{}, unavailable("begin", err)
	}
	defer tx.Rollback()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, kind, created_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		c.ID, string(c.Kind), c.CreatedAt)
	if err != nil {
		return chat.Conversation{}, unavailable("insert conversation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Someone else created it first: theirs wins.
		if err := tx.Commit(); err != nil {
			return chat.Conversation{}, unavailable("commit", err)
		}
		return r.Conversation(ctx, c.ID)
	}
	for _, p := range c.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, identity) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			c.ID, string(p)); err != nil {
			return chat.Conversation{}, unavailable("insert participant", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return chat.Conversation{}, unavailable("commit", err)
	}
	return c, nil
}

func (r *Postgres) Conversation(ctx context.Context, id string) (chat.Conversation, error) {
	c := chat.Conversation{ID: id}
	var kind string
	err := r.db.QueryRowContext(ctx,
		`SELECT kind, created_at FROM conversations WHERE id = $1`, id).Scan(&kind, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Conversation{}, fmt.Errorf("conversation %q: %w", id, chat.ErrNotFound)
		}
		return chat.Conversation{}, unavailable("select conversation", err)
	}
	c.Kind = chat.ConversationKind(kind)

	rows, err := r.db.QueryContext(ctx,
		`SELECT identity FROM participants WHERE conversation_id = $1 ORDER BY identity`, id)
	if err != nil {
		return chat.Conversation{}, unavailable("select participants", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return chat.Conversation{}, unavailable("scan participant", err)
		}
		c.Participants = append(c.Participants, chat.Identity(p))
	}
	if err := rows.Err(); err != nil {
		return chat.Conversation{}, unavailable("iterate participants", err)
	}
	return c, nil
}

func (r *Postgres) Append(ctx context.Context, m chat.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender, content, seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.ConversationID, string(m.Sender), m.Content, int64(m.Seq), m.CreatedAt)
	if err != nil {
		return unavailable("insert message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}
	for _, rcpt := range m.Recipients {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deliveries (message_id, recipient, state, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (message_id, recipient) DO NOTHING`,
			m.ID, string(rcpt), string(chat.StatePending)); err != nil {
			return unavailable("insert delivery", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

const selectMessage = `
	SELECT m.id, m.conversation_id, m.sender, m.content, m.seq, m.created_at,
	       (SELECT string_agg(x.recipient, chr(31) ORDER BY x.recipient)
	          FROM deliveries x WHERE x.message_id = m.id)
	FROM messages m`

func (r *Postgres) FetchPending(ctx context.Context, id chat.Identity) ([]chat.Message, error) {
	query := selectMessage + `
		JOIN deliveries d ON d.message_id = m.id
		WHERE d.recipient = $1 AND d.state <> $2
		ORDER BY m.conversation_id, m.seq`
	return r.queryMessages(ctx, query, string(id), string(chat.StateAcked))
}

func (r *Postgres) FetchRange(ctx context.Context, conversationID string, from, to uint64) ([]chat.Message, error) {
	query := selectMessage + `
		WHERE m.conversation_id = $1 AND m.seq BETWEEN $2 AND $3
		ORDER BY m.seq`
	return r.queryMessages(ctx, query, conversationID, int64(from), int64(to))
}

func (r *Postgres) queryMessages(ctx context.Context, query string, args ...any) ([]chat.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("select messages", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var (
			m          chat.Message
			sender     string
			seq        int64
			recipients sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &seq, &m.CreatedAt, &recipients); err != nil {
			return nil, unavailable("scan message", err)
		}
		m.Sender = chat.Identity(sender)
		m.Seq = uint64(seq)
		if recipients.Valid && recipients.String != "" {
			for _, rcpt := range strings.Split(recipients.String, recipientSep) {
				m.Recipients = append(m.Recipients, chat.Identity(rcpt))
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate messages", err)
	}
	return messages, nil
}

func (r *Postgres) MarkState(ctx context.Context, messageID uuid.UUID, recipient chat.Identity, state chat.DeliveryState) (bool, error) {
	from := predecessors(state)
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE deliveries SET state = $3, updated_at = NOW()
		WHERE message_id = $1 AND recipient = $2 AND state = ANY(string_to_array($4, ','))`,
		messageID, string(recipient), string(state), strings.Join(allowed, ","))
	if err != nil {
		return false, unavailable("update delivery", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	// Distinguish "not allowed" from "no such delivery".
	if _, err := r.State(ctx, messageID, recipient); err != nil {
		return false, err
	}
	return false, nil
}

func (r *Postgres) State(ctx context.Context, messageID uuid.UUID, recipient chat.Identity) (chat.DeliveryState, error) {
	var state string
	err := r.db.QueryRowContext(ctx,
		`SELECT state FROM deliveries WHERE message_id = $1 AND recipient = $2`,
		messageID, string(recipient)).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("delivery %s/%s: %w", messageID, recipient, chat.ErrNotFound)
		}
		return "", unavailable("select delivery", err)
	}
	return chat.DeliveryState(state), nil
}

func (r *Postgres) LastSeq(ctx context.Context, conversationID string) (uint64, error) {
	var last int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&last)
	if err != nil {
		return 0, unavailable("select last seq", err)
	}
	return uint64(last), nil
}
