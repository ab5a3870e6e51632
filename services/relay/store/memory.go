// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cagemetric/cagemetric/services/relay/datatypes"
)

// MemoryStore is a map-backed Store for tests and local development. It
// honors the same contract as PostgresStore, including ErrNotFound.
type MemoryStore struct {
	mu            sync.Mutex
	nextConvID    int64
	nextMsgID     int64
	conversations map[int64]datatypes.Conversation
	messages      map[int64][]datatypes.Message
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[int64]datatypes.Conversation),
		messages:      make(map[int64][]datatypes.Message),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, userID int64, title string) (datatypes.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConvID++
	conv := datatypes.Conversation{
		ID:        s.nextConvID,
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	s.conversations[conv.ID] = conv
	return conv, nil
}

func (s *MemoryStore) Conversation(_ context.Context, id int64) (datatypes.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return datatypes.Conversation{}, ErrNotFound
	}
	return conv, nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg datatypes.Message) (datatypes.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return datatypes.Message{}, ErrNotFound
	}
	s.nextMsgID++
	msg.ID = s.nextMsgID
	msg.CreatedAt = time.Now().UTC()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return msg, nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, conversationID int64, limit int) ([]datatypes.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[conversationID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]datatypes.Message, len(all))
	copy(out, all)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
