// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/cagemetric/cagemetric/services/relay/datatypes"
)

// DB is the slice of the pgx pool the store needs. *pgxpool.Pool satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on a Postgres pool. Safe for concurrent use.
type PostgresStore struct {
	db  DB
	log *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db DB, log *slog.Logger) *PostgresStore {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresStore{db: db, log: log}
}

func (s *PostgresStore) CreateConversation(ctx context.Context, userID int64, title string) (datatypes.Conversation, error) {
	const q = `
		INSERT INTO conversations (user_id, title)
		VALUES ($1, $2)
		RETURNING id, user_id, title, created_at`
	var conv datatypes.Conversation
	err := s.db.QueryRow(ctx, q, userID, title).
		Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt)
	if err != nil {
		return datatypes.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) Conversation(ctx context.Context, id int64) (datatypes.Conversation, error) {
	const q = `
		SELECT id, user_id, title, created_at
		FROM conversations
		WHERE id = $1`
	var conv datatypes.Conversation
	err := s.db.QueryRow(ctx, q, id).
		Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return datatypes.Conversation{}, ErrNotFound
	}
	if err != nil {
		return datatypes.Conversation{}, fmt.Errorf("load conversation %d: %w", id, err)
	}
	return conv, nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, msg datatypes.Message) (datatypes.Message, error) {
	const q = `
		INSERT INTO messages (conversation_id, user_id, role, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	err := s.db.QueryRow(ctx, q, msg.ConversationID, msg.UserID, msg.Role, msg.Content).
		Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return datatypes.Message{}, fmt.Errorf("save message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]datatypes.Message, error) {
	const q = `
		SELECT id, conversation_id, user_id, role, content, created_at
		FROM (
			SELECT id, conversation_id, user_id, role, content, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC`
	rows, err := s.db.Query(ctx, q, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent messages for conversation %d: %w", conversationID, err)
	}
	defer rows.Close()

	var messages []datatypes.Message
	for rows.Next() {
		var m datatypes.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load recent messages for conversation %d: %w", conversationID, err)
	}
	return messages, nil
}
