// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cagemetric/cagemetric/services/relay/datatypes"
)

func TestMemoryStore_ConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	conv, err := s.CreateConversation(ctx, 7, "Who leads lightweight takedowns?")
	require.NoError(t, err)
	assert.NotZero(t, conv.ID)
	assert.Equal(t, int64(7), conv.UserID)

	loaded, err := s.Conversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, loaded.ID)

	_, err = s.Conversation(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SaveMessageRequiresConversation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.SaveMessage(ctx, datatypes.Message{ConversationID: 42, Role: datatypes.RoleUser, Content: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RecentMessagesChronological(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	conv, err := s.CreateConversation(ctx, 1, "stats")
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		_, err := s.SaveMessage(ctx, datatypes.Message{
			ConversationID: conv.ID,
			UserID:         1,
			Role:           datatypes.RoleUser,
			Content:        fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
	}

	recent, err := s.RecentMessages(ctx, conv.ID, 5)
	require.NoError(t, err)
	require.Len(t, recent, 5)
	// Oldest first within the window, and the window holds the newest five.
	assert.Equal(t, "message 3", recent[0].Content)
	assert.Equal(t, "message 7", recent[4].Content)

	empty, err := s.RecentMessages(ctx, 555, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
