// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cagemetric/cagemetric/services/relay/datatypes"
	"github.com/cagemetric/cagemetric/services/relay/protocol"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeTransport records writes and can be flipped closed or made to fail.
type fakeTransport struct {
	mu       sync.Mutex
	open     bool
	failNext bool
	writes   []any
	closed   int
}

func newFakeTransport() *fakeTransport { return &fakeTransport{open: true} }

func (t *fakeTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failNext {
		return errors.New("broken pipe")
	}
	t.writes = append(t.writes, v)
	return nil
}

func (t *fakeTransport) Open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
	t.closed++
	return nil
}

func (t *fakeTransport) writeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}

func int64Ptr(v int64) *int64 { return &v }

func testUser(id int64) datatypes.User {
	return datatypes.User{ID: id, Username: "analyst"}
}

// absentFromAll asserts the connection id is gone from every structure and
// that no emptied index sets were left behind.
func absentFromAll(t *testing.T, r *Registry, connID string) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, inConn := r.byConnection[connID]
	assert.False(t, inConn, "byConnection should not contain %s", connID)
	_, inReverse := r.userByConnection[connID]
	assert.False(t, inReverse, "userByConnection should not contain %s", connID)
	for userID, set := range r.byUser {
		assert.NotEmpty(t, set, "byUser[%d] should have been deleted when emptied", userID)
		_, ok := set[connID]
		assert.False(t, ok, "byUser[%d] should not contain %s", userID, connID)
	}
	for convID, set := range r.byConversation {
		assert.NotEmpty(t, set, "byConversation[%d] should have been deleted when emptied", convID)
		_, ok := set[connID]
		assert.False(t, ok, "byConversation[%d] should not contain %s", convID, connID)
	}
}

// =============================================================================
// Test: Connect
// =============================================================================

// TestConnect_IndexesAllStructures verifies a successful connect is visible
// in the primary map and both derived indexes.
func TestConnect_IndexesAllStructures(t *testing.T) {
	r := New(nil)
	id, err := r.Connect(newFakeTransport(), testUser(7), int64Ptr(42))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	assert.NotNil(t, r.Session(id))
	assert.True(t, r.HasUser(7))
	assert.True(t, r.HasConversationListeners(42))
	assert.Equal(t, Stats{ConnectionCount: 1, UserCount: 1, ConversationCount: 1}, r.Stats())
}

// TestConnect_TransportNotReady verifies the failure mode for a transport
// that is already closed at call time.
func TestConnect_TransportNotReady(t *testing.T) {
	r := New(nil)
	tr := newFakeTransport()
	tr.open = false

	_, err := r.Connect(tr, testUser(1), nil)
	require.ErrorIs(t, err, ErrTransportNotReady)
	assert.Equal(t, Stats{}, r.Stats())
}

// TestConnect_NilConversation verifies sessions without a conversation are
// tracked only by connection and user.
func TestConnect_NilConversation(t *testing.T) {
	r := New(nil)
	_, err := r.Connect(newFakeTransport(), testUser(1), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Stats().ConversationCount)
}

// =============================================================================
// Test: Disconnect
// =============================================================================

// TestDisconnect_RemovesFromAllStructures is the core lifecycle invariant:
// after disconnect, the id is absent from all four structures with no
// orphaned empty sets.
func TestDisconnect_RemovesFromAllStructures(t *testing.T) {
	r := New(nil)
	tr := newFakeTransport()
	id, err := r.Connect(tr, testUser(7), int64Ptr(42))
	require.NoError(t, err)

	r.Disconnect(id)

	absentFromAll(t, r, id)
	assert.Equal(t, Stats{}, r.Stats())
	assert.False(t, tr.Open(), "transport should be closed")
}

// TestDisconnect_Idempotent verifies the second disconnect is a no-op and
// never panics.
func TestDisconnect_Idempotent(t *testing.T) {
	r := New(nil)
	tr := newFakeTransport()
	id, err := r.Connect(tr, testUser(7), int64Ptr(42))
	require.NoError(t, err)

	r.Disconnect(id)
	require.NotPanics(t, func() { r.Disconnect(id) })
	assert.Equal(t, 1, tr.closed, "transport should be closed exactly once")
}

// TestDisconnect_KeepsSiblingSessions verifies removing one of a user's
// connections leaves the user's other sessions indexed.
func TestDisconnect_KeepsSiblingSessions(t *testing.T) {
	r := New(nil)
	id1, err := r.Connect(newFakeTransport(), testUser(7), int64Ptr(42))
	require.NoError(t, err)
	id2, err := r.Connect(newFakeTransport(), testUser(7), int64Ptr(42))
	require.NoError(t, err)

	r.Disconnect(id1)

	assert.True(t, r.HasUser(7))
	assert.True(t, r.HasConversationListeners(42))
	assert.NotNil(t, r.Session(id2))
	absentFromAll(t, r, id1)
}

// TestDisconnect_SweepsSubscribedConversations verifies a session that was
// subscribed to additional conversations is removed from every set.
func TestDisconnect_SweepsSubscribedConversations(t *testing.T) {
	r := New(nil)
	id, err := r.Connect(newFakeTransport(), testUser(7), int64Ptr(42))
	require.NoError(t, err)
	r.Subscribe(id, 43)
	r.Subscribe(id, 44)

	r.Disconnect(id)

	absentFromAll(t, r, id)
	assert.False(t, r.HasConversationListeners(43))
	assert.False(t, r.HasConversationListeners(44))
}

// TestRegistryInvariant_RandomSequence drives a mixed connect/disconnect
// sequence and checks the reachability invariant at the end.
func TestRegistryInvariant_RandomSequence(t *testing.T) {
	r := New(nil)
	var ids []string
	for i := range 20 {
		var conv *int64
		if i%3 != 0 {
			conv = int64Ptr(int64(i % 4))
		}
		id, err := r.Connect(newFakeTransport(), testUser(int64(i%5)), conv)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i, id := range ids {
		if i%2 == 0 {
			r.Disconnect(id)
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, session := range r.byConnection {
		userSet, ok := r.byUser[session.UserID]
		require.True(t, ok, "live connection %s unreachable from byUser", id)
		_, ok = userSet[id]
		require.True(t, ok)
		if session.ConversationID != nil {
			convSet, ok := r.byConversation[*session.ConversationID]
			require.True(t, ok, "live connection %s unreachable from byConversation", id)
			_, ok = convSet[id]
			require.True(t, ok)
		}
	}
	for _, set := range r.byUser {
		assert.NotEmpty(t, set)
	}
	for _, set := range r.byConversation {
		assert.NotEmpty(t, set)
	}
}

// =============================================================================
// Test: Sending
// =============================================================================

// TestSendToConnection_AbsentIdIsNotAnError verifies sends racing a
// disconnect are dropped silently.
func TestSendToConnection_AbsentIdIsNotAnError(t *testing.T) {
	r := New(nil)
	err := r.SendToConnection("no-such-id", protocol.NewResponseStart(nil))
	assert.NoError(t, err)
}

// TestSendToConnection_ClosedTransport verifies a closed transport triggers
// disconnect and surfaces ErrConnectionLost.
func TestSendToConnection_ClosedTransport(t *testing.T) {
	r := New(nil)
	tr := newFakeTransport()
	id, err := r.Connect(tr, testUser(7), nil)
	require.NoError(t, err)

	tr.mu.Lock()
	tr.open = false
	tr.mu.Unlock()

	err = r.SendToConnection(id, protocol.NewResponseStart(nil))
	require.ErrorIs(t, err, ErrConnectionLost)
	absentFromAll(t, r, id)
}

// TestSendToConnection_WriteFailure verifies a failing write is treated the
// same way as a closed transport.
func TestSendToConnection_WriteFailure(t *testing.T) {
	r := New(nil)
	tr := newFakeTransport()
	tr.failNext = true
	id, err := r.Connect(tr, testUser(7), nil)
	require.NoError(t, err)

	err = r.SendToConnection(id, protocol.NewResponseStart(nil))
	require.ErrorIs(t, err, ErrConnectionLost)
	absentFromAll(t, r, id)
}

// TestSendToUser_FanOutIsolation is the fan-out isolation property: if one of
// N recipients fails, the other N-1 still receive the chunk and the failing
// one is removed from all indexes afterward.
func TestSendToUser_FanOutIsolation(t *testing.T) {
	r := New(nil)
	good1 := newFakeTransport()
	bad := newFakeTransport()
	bad.failNext = true
	good2 := newFakeTransport()

	_, err := r.Connect(good1, testUser(7), nil)
	require.NoError(t, err)
	badID, err := r.Connect(bad, testUser(7), nil)
	require.NoError(t, err)
	_, err = r.Connect(good2, testUser(7), nil)
	require.NoError(t, err)

	r.SendToUser(7, protocol.NewMessageReceived(nil))

	assert.Equal(t, 1, good1.writeCount())
	assert.Equal(t, 1, good2.writeCount())
	absentFromAll(t, r, badID)
	assert.Equal(t, 2, r.Stats().ConnectionCount)
}

// TestSendToConversation_SnapshotDelivery verifies conversation fan-out
// reaches every indexed connection exactly once.
func TestSendToConversation_SnapshotDelivery(t *testing.T) {
	r := New(nil)
	transports := make([]*fakeTransport, 3)
	for i := range transports {
		transports[i] = newFakeTransport()
		_, err := r.Connect(transports[i], testUser(int64(i)), int64Ptr(42))
		require.NoError(t, err)
	}

	r.SendToConversation(42, protocol.NewTyping(true, int64Ptr(42)))

	for i, tr := range transports {
		assert.Equal(t, 1, tr.writeCount(), "transport %d", i)
	}
}

// TestBroadcast verifies delivery to every live connection regardless of
// user or conversation.
func TestBroadcast(t *testing.T) {
	r := New(nil)
	a := newFakeTransport()
	b := newFakeTransport()
	_, err := r.Connect(a, testUser(1), nil)
	require.NoError(t, err)
	_, err = r.Connect(b, testUser(2), int64Ptr(9))
	require.NoError(t, err)

	r.Broadcast(protocol.NewPong(nil))

	assert.Equal(t, 1, a.writeCount())
	assert.Equal(t, 1, b.writeCount())
}

// TestRegistry_ConcurrentChurn exercises connects, sends and disconnects in
// parallel; the race detector is the real assertion here.
func TestRegistry_ConcurrentChurn(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for range 50 {
				id, err := r.Connect(newFakeTransport(), testUser(int64(n)), int64Ptr(1))
				if err != nil {
					continue
				}
				r.SendToUser(int64(n), protocol.NewPong(nil))
				r.SendToConversation(1, protocol.NewTyping(false, int64Ptr(1)))
				r.Disconnect(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, Stats{}, r.Stats())
}
