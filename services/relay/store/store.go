// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists conversations and messages.
//
// Persistence around the answer pipeline is best effort: the orchestrator
// logs store failures and keeps streaming, so implementations must return
// plain errors rather than panicking, and must never block longer than the
// supplied context allows.
package store

import (
	"context"
	"errors"

	"github.com/cagemetric/cagemetric/services/relay/datatypes"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence surface the relay depends on.
type Store interface {
	// CreateConversation opens a fresh conversation owned by userID. The
	// title is typically derived from the first user message.
	CreateConversation(ctx context.Context, userID int64, title string) (datatypes.Conversation, error)

	// Conversation fetches one conversation by id. Returns ErrNotFound if
	// it does not exist.
	Conversation(ctx context.Context, id int64) (datatypes.Conversation, error)

	// SaveMessage appends a message and returns it with its assigned id
	// and creation time.
	SaveMessage(ctx context.Context, msg datatypes.Message) (datatypes.Message, error)

	// RecentMessages returns up to limit messages from a conversation in
	// chronological order.
	RecentMessages(ctx context.Context, conversationID int64, limit int) ([]datatypes.Message, error)
}
