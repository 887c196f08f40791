package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Health(ctx context.Context) error {
	return d.Conn.PingContext(ctx)
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            kind VARCHAR(10) CHECK (kind IN ('direct', 'group')) DEFAULT 'direct',
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS participants (
            conversation_id TEXT REFERENCES conversations(id) ON DELETE CASCADE,
            identity TEXT NOT NULL,
            joined_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (conversation_id, identity)
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            conversation_id TEXT REFERENCES conversations(id) ON DELETE CASCADE,
            sender TEXT NOT NULL,
            content TEXT NOT NULL,
            seq BIGINT NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            UNIQUE (conversation_id, seq)
        )`,

		`CREATE TABLE IF NOT EXISTS deliveries (
            message_id UUID REFERENCES messages(id) ON DELETE CASCADE,
            recipient TEXT NOT NULL,
            state VARCHAR(10) CHECK (state IN ('PENDING', 'DELIVERED', 'ACKED')) DEFAULT 'PENDING',
            updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (message_id, recipient)
        )`,

		`CREATE INDEX IF NOT EXISTS deliveries_unacked_idx
            ON deliveries (recipient) WHERE state <> 'ACKED'`,
	}

	for _, query := range queries {
		_, err := d.Conn.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
