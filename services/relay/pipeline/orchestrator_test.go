// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cagemetric/cagemetric/services/llm"
	"github.com/cagemetric/cagemetric/services/relay/datatypes"
	"github.com/cagemetric/cagemetric/services/relay/observability"
	"github.com/cagemetric/cagemetric/services/relay/protocol"
	"github.com/cagemetric/cagemetric/services/relay/store"
	"github.com/cagemetric/cagemetric/services/relay/tools"
)

type orchestratorFixture struct {
	orch   *Orchestrator
	sender *fakeSender
	store  *store.MemoryStore
	gate   *fakeGate
	llm    *fakeLLM
}

func newOrchestratorFixture(t *testing.T, client *fakeLLM) *orchestratorFixture {
	t.Helper()
	sender := newFakeSender()
	memStore := store.NewMemoryStore()
	gate := &fakeGate{allowed: true, usage: datatypes.Usage{DailyRequests: 1, DailyLimit: 50}}

	gateway := &fakeGateway{}
	phase1 := NewPhase1(client, gateway, llm.GenerationParams{}, nil)
	phase2 := NewPhase2(client, llm.GenerationParams{}, nil)
	phase2.newAccumulator = func() (TokenAccumulator, error) {
		return newPlainAccumulator(), nil
	}
	metrics := observability.NewRelayMetrics(prometheus.NewRegistry())

	return &orchestratorFixture{
		orch:   NewOrchestrator(sender, phase1, phase2, memStore, gate, metrics, nil),
		sender: sender,
		store:  memStore,
		gate:   gate,
		llm:    client,
	}
}

func TestHandle_SuccessfulExchangeChunkOrder(t *testing.T) {
	payload := `{"selected_visualization":"bar_chart","visualization_data":{"labels":["Jones"],"values":[27]},"insights":["Jones leads"]}`
	client := &fakeLLM{
		responses:    []*llm.ChatResponse{toolCallResponse("c1", "SELECT name, wins FROM fighters")},
		streamTokens: []string{payload[:30], payload[30:]},
	}
	fx := newOrchestratorFixture(t, client)

	fx.orch.Handle(context.Background(), Request{ConnectionID: "conn-1", UserID: 7, Content: "who leads?"})

	types := fx.sender.types()
	expected := []protocol.ChunkType{
		protocol.ChunkMessageReceived,
		protocol.ChunkTyping,
		protocol.ChunkResponseStart,
		protocol.ChunkResponseChunk,
		protocol.ChunkResponseChunk,
		protocol.ChunkFinalResult,
		protocol.ChunkResponseEnd,
		protocol.ChunkTyping,
	}
	require.Equal(t, expected, types)

	// typing(true) after message_received, typing(false) at the end
	require.NotNil(t, fx.sender.chunks[1].IsTyping)
	assert.True(t, *fx.sender.chunks[1].IsTyping)
	last := fx.sender.chunks[len(fx.sender.chunks)-1]
	require.NotNil(t, last.IsTyping)
	assert.False(t, *last.IsTyping)

	final := fx.sender.chunks[5]
	assert.Equal(t, "bar_chart", final.VisualizationType)
	assert.Equal(t, []string{"Jones leads"}, final.Insights)
	assert.False(t, final.FallbackApplied)

	// Both sides of the exchange were persisted and usage was recorded.
	require.NotNil(t, fx.sender.chunks[0].ConversationID)
	saved, err := fx.store.RecentMessages(context.Background(), *fx.sender.chunks[0].ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, datatypes.RoleUser, saved[0].Role)
	assert.Equal(t, datatypes.RoleAssistant, saved[1].Role)
	assert.Contains(t, saved[1].Content, "[rendered as bar_chart]")
	assert.Equal(t, 1, fx.gate.recorded)
}

func TestHandle_UsageLimitHardStop(t *testing.T) {
	client := &fakeLLM{}
	fx := newOrchestratorFixture(t, client)
	fx.gate.allowed = false
	fx.gate.usage = datatypes.Usage{DailyRequests: 50, DailyLimit: 50}

	fx.orch.Handle(context.Background(), Request{ConnectionID: "conn-1", UserID: 7, Content: "who leads?"})

	require.Len(t, fx.sender.chunks, 1)
	chunk := fx.sender.chunks[0]
	assert.Equal(t, protocol.ChunkUsageLimitExceeded, chunk.Type)
	assert.Equal(t, 50, chunk.DailyRequests)
	// No model work, no persistence, no usage recorded.
	assert.Empty(t, client.seenMessages)
	assert.Zero(t, fx.gate.recorded)
}

func TestHandle_EmptyContentIsValidationError(t *testing.T) {
	fx := newOrchestratorFixture(t, &fakeLLM{})

	fx.orch.Handle(context.Background(), Request{ConnectionID: "conn-1", UserID: 7, Content: "   "})

	require.Len(t, fx.sender.chunks, 1)
	chunk := fx.sender.chunks[0]
	assert.Equal(t, protocol.ChunkError, chunk.Type)
	assert.Contains(t, chunk.Error, "cannot be empty")
	assert.Empty(t, chunk.ErrorClass)
}

func TestHandle_OversizedContentIsValidationError(t *testing.T) {
	fx := newOrchestratorFixture(t, &fakeLLM{})
	huge := strings.Repeat("x", datatypes.MaxMessageContentBytes+1)

	fx.orch.Handle(context.Background(), Request{ConnectionID: "conn-1", UserID: 7, Content: huge})

	require.Len(t, fx.sender.chunks, 1)
	assert.Equal(t, protocol.ChunkError, fx.sender.chunks[0].Type)
	assert.Contains(t, fx.sender.chunks[0].Error, "byte limit")
}

func TestHandle_PhaseFailureEmitsSingleErrorResponse(t *testing.T) {
	client := &fakeLLM{chatErr: assertErr("model down")}
	fx := newOrchestratorFixture(t, client)

	fx.orch.Handle(context.Background(), Request{ConnectionID: "conn-1", UserID: 7, Content: "who leads?"})

	types := fx.sender.types()
	// message_received, typing(true), error_response, typing(false)
	expected := []protocol.ChunkType{
		protocol.ChunkMessageReceived,
		protocol.ChunkTyping,
		protocol.ChunkErrorResponse,
		protocol.ChunkTyping,
	}
	require.Equal(t, expected, types)
	assert.Equal(t, string(ClassModelCall), fx.sender.chunks[2].ErrorClass)
	assert.Contains(t, fx.sender.chunks[2].Traceback, "model down")
	assert.Zero(t, fx.gate.recorded)
}

func TestHandle_ConnectionLostMidStreamAborts(t *testing.T) {
	payload := `{"selected_visualization":"table","visualization_data":{},"insights":[]}`
	client := &fakeLLM{streamTokens: []string{payload[:10], payload[10:]}}
	fx := newOrchestratorFixture(t, client)
	// message_received, typing, response_start, then the first
	// response_chunk fails.
	fx.sender.failAfter = 3

	fx.orch.Handle(context.Background(), Request{ConnectionID: "conn-1", UserID: 7, Content: "who leads?"})

	types := fx.sender.types()
	expected := []protocol.ChunkType{
		protocol.ChunkMessageReceived,
		protocol.ChunkTyping,
		protocol.ChunkResponseStart,
	}
	require.Equal(t, expected, types, "nothing may be sent after the connection is lost")
	assert.Zero(t, fx.gate.recorded)
}

func TestHandle_GoneSessionSendsNothing(t *testing.T) {
	fx := newOrchestratorFixture(t, &fakeLLM{})
	fx.sender.session = nil

	fx.orch.Handle(context.Background(), Request{ConnectionID: "conn-1", UserID: 7, Content: "who leads?"})

	assert.Empty(t, fx.sender.chunks)
}

func TestHandle_StoreFailureDoesNotBlockAnswer(t *testing.T) {
	payload := `{"selected_visualization":"table","visualization_data":{},"insights":[]}`
	client := &fakeLLM{streamTokens: []string{payload}}
	sender := newFakeSender()
	gate := &fakeGate{allowed: true}
	phase1 := NewPhase1(client, &fakeGateway{}, llm.GenerationParams{}, nil)
	phase2 := NewPhase2(client, llm.GenerationParams{}, nil)
	phase2.newAccumulator = func() (TokenAccumulator, error) {
		return newPlainAccumulator(), nil
	}
	orch := NewOrchestrator(sender, phase1, phase2, failingStore{}, gate, nil, nil)

	orch.Handle(context.Background(), Request{ConnectionID: "conn-1", UserID: 7, Content: "who leads?"})

	types := sender.chunks
	require.NotEmpty(t, types)
	assert.Equal(t, protocol.ChunkMessageReceived, types[0].Type)
	assert.Nil(t, types[0].ConversationID, "no conversation when the store is down")
	assert.Equal(t, protocol.ChunkResponseEnd, types[len(types)-2].Type)
}

// failingStore rejects everything, standing in for a dead database.
type failingStore struct{}

func (failingStore) CreateConversation(context.Context, int64, string) (datatypes.Conversation, error) {
	return datatypes.Conversation{}, assertErr("store down")
}

func (failingStore) Conversation(context.Context, int64) (datatypes.Conversation, error) {
	return datatypes.Conversation{}, assertErr("store down")
}

func (failingStore) SaveMessage(context.Context, datatypes.Message) (datatypes.Message, error) {
	return datatypes.Message{}, assertErr("store down")
}

func (failingStore) RecentMessages(context.Context, int64, int) ([]datatypes.Message, error) {
	return nil, assertErr("store down")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

var _ tools.Gateway = (*fakeGateway)(nil)
