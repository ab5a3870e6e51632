// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry owns the live duplex sessions of the relay.
//
// # Description
//
// The Registry tracks every connected client in four structures: the primary
// session map keyed by connection id, derived index sets keyed by user id and
// conversation id, and a reverse connection-to-user map. The source system
// mutated these maps from a single event loop; in Go they are shared across
// goroutines, so all four structures live under one RWMutex and every
// mutation is atomic from a caller's point of view.
//
// # Invariants
//
//   - A connection id present in byConnection is reachable from byUser and,
//     when the session carries a conversation, from byConversation.
//   - An index set, once emptied, is deleted. No empty sets are retained.
//   - Disconnect is idempotent; after it returns, the id is absent from all
//     four structures.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Fan-out methods snapshot the
// relevant id set under the read lock and write outside it, so a disconnect
// triggered by one failing send cannot corrupt iteration over the others.
package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/cagemetric/cagemetric/services/relay/datatypes"
	"github.com/cagemetric/cagemetric/services/relay/protocol"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrTransportNotReady is returned by Connect when the transport is not
	// in an open state at call time.
	ErrTransportNotReady = errors.New("transport not ready")

	// ErrConnectionLost is returned by SendToConnection when the transport
	// turned out to be closed. The connection has already been disconnected
	// when this is returned; callers should abort any multi-step send
	// sequence they are in.
	ErrConnectionLost = errors.New("connection lost")
)

// =============================================================================
// Transport
// =============================================================================

// Transport is the duplex channel handle a session writes to. The production
// implementation wraps a gorilla/websocket connection; tests use fakes.
type Transport interface {
	// WriteJSON serializes v and writes exactly one frame.
	WriteJSON(v any) error

	// Open reports whether the transport can still accept writes.
	Open() bool

	// Close tears the transport down. Must be idempotent.
	Close() error
}

// =============================================================================
// Session
// =============================================================================

// Session is one live connection. Exclusively owned by the Registry from
// Connect until Disconnect.
type Session struct {
	ConnectionID   string
	UserID         int64
	ConversationID *int64
	transport      Transport

	// writeMu serializes transport writes; gorilla/websocket supports at
	// most one concurrent writer per connection.
	writeMu sync.Mutex
}

func (s *Session) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transport.WriteJSON(v)
}

// =============================================================================
// Registry
// =============================================================================

// Registry is an explicitly constructed service instance; there is no
// package-level singleton. Lifecycle is owned by whoever built it.
type Registry struct {
	mu               sync.RWMutex
	byConnection     map[string]*Session
	byUser           map[int64]map[string]struct{}
	byConversation   map[int64]map[string]struct{}
	userByConnection map[string]int64

	log *slog.Logger
}

// Stats is the read-only size summary of the registry.
type Stats struct {
	ConnectionCount   int `json:"connection_count"`
	UserCount         int `json:"user_count"`
	ConversationCount int `json:"conversation_count"`
}

// New creates an empty Registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		byConnection:     make(map[string]*Session),
		byUser:           make(map[int64]map[string]struct{}),
		byConversation:   make(map[int64]map[string]struct{}),
		userByConnection: make(map[string]int64),
		log:              log,
	}
}

// Connect registers a new session for the given transport and owner.
//
// # Description
//
// Fails with ErrTransportNotReady if the transport is not open at call time.
// On success the session is inserted into all four structures under one lock
// acquisition, so no partial state is ever visible. Connect sends nothing;
// acknowledgment chunks are the caller's responsibility.
//
// # Outputs
//
//   - string: the new connection id.
//   - error: ErrTransportNotReady, or nil.
func (r *Registry) Connect(transport Transport, user datatypes.User, conversationID *int64) (string, error) {
	if transport == nil || !transport.Open() {
		return "", ErrTransportNotReady
	}

	session := &Session{
		ConnectionID:   uuid.New().String(),
		UserID:         user.ID,
		ConversationID: conversationID,
		transport:      transport,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byConnection[session.ConnectionID] = session
	r.userByConnection[session.ConnectionID] = user.ID
	if _, ok := r.byUser[user.ID]; !ok {
		r.byUser[user.ID] = make(map[string]struct{})
	}
	r.byUser[user.ID][session.ConnectionID] = struct{}{}
	if conversationID != nil {
		if _, ok := r.byConversation[*conversationID]; !ok {
			r.byConversation[*conversationID] = make(map[string]struct{})
		}
		r.byConversation[*conversationID][session.ConnectionID] = struct{}{}
	}

	r.log.Info("session connected",
		"connection_id", session.ConnectionID, "user_id", user.ID)
	return session.ConnectionID, nil
}

// Disconnect removes the session from every structure and closes its
// transport. Idempotent: a second call for the same id is a no-op.
func (r *Registry) Disconnect(connectionID string) {
	r.mu.Lock()
	session, ok := r.byConnection[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConnection, connectionID)
	delete(r.userByConnection, connectionID)

	if set, ok := r.byUser[session.UserID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(r.byUser, session.UserID)
		}
	}
	// The session may appear in any conversation set it was added to, not
	// just the one it connected with. Sweep them all.
	for convID, set := range r.byConversation {
		if _, ok := set[connectionID]; ok {
			delete(set, connectionID)
			if len(set) == 0 {
				delete(r.byConversation, convID)
			}
		}
	}
	r.mu.Unlock()

	if err := session.transport.Close(); err != nil {
		r.log.Debug("transport close after disconnect", "connection_id", connectionID, "error", err)
	}
	r.log.Info("session disconnected", "connection_id", connectionID, "user_id", session.UserID)
}

// Subscribe adds an existing connection to a conversation's index set so it
// receives conversation fan-outs. No-op for unknown connections.
func (r *Registry) Subscribe(connectionID string, conversationID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConnection[connectionID]; !ok {
		return
	}
	if _, ok := r.byConversation[conversationID]; !ok {
		r.byConversation[conversationID] = make(map[string]struct{})
	}
	r.byConversation[conversationID][connectionID] = struct{}{}
}

// Session returns the live session for the id, or nil.
func (r *Registry) Session(connectionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConnection[connectionID]
}

// HasUser reports whether the user has at least one live connection.
func (r *Registry) HasUser(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// HasConversationListeners reports whether any connection is indexed under
// the conversation.
func (r *Registry) HasConversationListeners(conversationID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConversation[conversationID]) > 0
}

// =============================================================================
// Sending
// =============================================================================

// SendToConnection writes one chunk to one connection.
//
// # Description
//
// An absent id is not an error: the caller may be racing a disconnect, so
// the send is logged and dropped. A closed transport is treated as a
// disconnect trigger: the session is torn down and ErrConnectionLost is
// returned so the caller can abort its send sequence. Otherwise exactly one
// transport write happens.
func (r *Registry) SendToConnection(connectionID string, chunk protocol.Chunk) error {
	r.mu.RLock()
	session, ok := r.byConnection[connectionID]
	r.mu.RUnlock()

	if !ok {
		r.log.Debug("send to absent connection dropped", "connection_id", connectionID,
			"chunk_type", chunk.Type)
		return nil
	}
	if !session.transport.Open() {
		r.Disconnect(connectionID)
		return ErrConnectionLost
	}
	if err := session.write(chunk); err != nil {
		r.log.Warn("transport write failed", "connection_id", connectionID,
			"chunk_type", chunk.Type, "error", err)
		r.Disconnect(connectionID)
		return ErrConnectionLost
	}
	return nil
}

// SendToUser fans the chunk out to every connection owned by the user.
// One failing recipient never aborts delivery to the rest.
func (r *Registry) SendToUser(userID int64, chunk protocol.Chunk) {
	r.fanOut(r.snapshotUser(userID), chunk)
}

// SendToConversation fans the chunk out to every connection indexed under
// the conversation.
func (r *Registry) SendToConversation(conversationID int64, chunk protocol.Chunk) {
	r.fanOut(r.snapshotConversation(conversationID), chunk)
}

// Broadcast fans the chunk out to every live connection.
func (r *Registry) Broadcast(chunk protocol.Chunk) {
	r.fanOut(r.snapshotAll(), chunk)
}

// Stats returns O(1) index counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		ConnectionCount:   len(r.byConnection),
		UserCount:         len(r.byUser),
		ConversationCount: len(r.byConversation),
	}
}

// =============================================================================
// Internals
// =============================================================================

// snapshot helpers copy id sets under the read lock; fan-out then iterates
// the copy so that a disconnect triggered mid-iteration by a failing send
// cannot invalidate it.

func (r *Registry) snapshotUser(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) snapshotConversation(conversationID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byConversation[conversationID]))
	for id := range r.byConversation[conversationID] {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) snapshotAll() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byConnection))
	for id := range r.byConnection {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) fanOut(ids []string, chunk protocol.Chunk) {
	for _, id := range ids {
		// Each failure cleans up its own connection inside SendToConnection
		// and must not stop the remaining deliveries.
		if err := r.SendToConnection(id, chunk); err != nil {
			r.log.Debug("fan-out recipient dropped", "connection_id", id, "error", err)
		}
	}
}
