// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides shared data structures for the relay service.
package datatypes

import "time"

const (
	// MaxMessageContentBytes is the maximum size of a single inbound message.
	// Checked before anything else touches the content.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// RoleUser and RoleAssistant are the persisted message roles.
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// User is the authenticated owner of a chat session.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Conversation is one thread of persisted messages.
type Conversation struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one persisted chat turn.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	UserID         int64     `json:"user_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Usage is the current daily request accounting for one user.
type Usage struct {
	DailyRequests int `json:"daily_requests"`
	DailyLimit    int `json:"daily_limit"`
}

// Remaining reports how many requests the user has left today, never negative.
func (u Usage) Remaining() int {
	if r := u.DailyLimit - u.DailyRequests; r > 0 {
		return r
	}
	return 0
}
