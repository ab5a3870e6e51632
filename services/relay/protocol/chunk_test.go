// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func int64Ptr(v int64) *int64 { return &v }

// sampleChunk builds a valid chunk for every member of the union.
func sampleChunk(t ChunkType) Chunk {
	conv := int64Ptr(42)
	switch t {
	case ChunkConnectionEstablished:
		return NewConnectionEstablished("conn-1", 7, conv)
	case ChunkMessageReceived:
		return NewMessageReceived(conv)
	case ChunkTyping:
		return NewTyping(true, conv)
	case ChunkResponseStart:
		return NewResponseStart(conv)
	case ChunkResponseChunk:
		return NewResponseChunk("Aspinall leads with 7 finishes", conv)
	case ChunkResponseEnd:
		return NewResponseEnd(conv)
	case ChunkFinalResult:
		return NewFinalResult("summary", "bar_chart",
			map[string]any{"labels": []string{"a"}}, []string{"one insight"}, conv)
	case ChunkError:
		return NewError("Message content cannot be empty", conv)
	case ChunkErrorResponse:
		return NewErrorResponse("model call failed", "ModelCallError", "phase1: timeout", conv)
	case ChunkUsageLimitExceeded:
		return NewUsageLimitExceeded(50, 50, conv)
	case ChunkPong:
		return NewPong(nil)
	}
	return Chunk{}
}

// =============================================================================
// Test: Round-Trip Validation
// =============================================================================

// TestValidate_AllVariantsRoundTrip verifies that every constructed variant
// serializes to JSON and re-validates as a valid chunk after decoding.
func TestValidate_AllVariantsRoundTrip(t *testing.T) {
	for _, typ := range AllChunkTypes {
		t.Run(string(typ), func(t *testing.T) {
			chunk := sampleChunk(typ)
			require.NoError(t, Validate(chunk), "constructor output should be valid")

			data, err := json.Marshal(chunk)
			require.NoError(t, err)

			var decoded Chunk
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.NoError(t, Validate(decoded), "decoded chunk should still be valid")
			assert.Equal(t, chunk.Type, decoded.Type)
			assert.Equal(t, chunk.MessageID, decoded.MessageID)
		})
	}
}

// TestValidate_UnknownType verifies that types outside the closed union are
// rejected before anything else is checked.
func TestValidate_UnknownType(t *testing.T) {
	chunk := sampleChunk(ChunkError)
	chunk.Type = "pie_chart_3d_event"
	err := Validate(chunk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown chunk type")
}

// TestValidate_MissingBaseFields verifies the base required-field set.
func TestValidate_MissingBaseFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Chunk)
	}{
		{"empty message_id", func(c *Chunk) { c.MessageID = "" }},
		{"empty timestamp", func(c *Chunk) { c.Timestamp = "" }},
		{"non-RFC3339 timestamp", func(c *Chunk) { c.Timestamp = "yesterday" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk := sampleChunk(ChunkPong)
			tt.mutate(&chunk)
			assert.Error(t, Validate(chunk))
		})
	}
}

// TestValidate_VariantRequiredFields verifies that each variant's required
// fields are enforced independently of the base fields.
func TestValidate_VariantRequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		typ    ChunkType
		mutate func(*Chunk)
	}{
		{"connection_established without connection_id", ChunkConnectionEstablished,
			func(c *Chunk) { c.ConnectionID = "" }},
		{"connection_established without user_id", ChunkConnectionEstablished,
			func(c *Chunk) { c.UserID = 0 }},
		{"typing without is_typing", ChunkTyping,
			func(c *Chunk) { c.IsTyping = nil }},
		{"response_chunk without content", ChunkResponseChunk,
			func(c *Chunk) { c.Content = nil }},
		{"final_result without visualization_type", ChunkFinalResult,
			func(c *Chunk) { c.VisualizationType = "" }},
		{"final_result without content", ChunkFinalResult,
			func(c *Chunk) { c.Content = nil }},
		{"error without error", ChunkError,
			func(c *Chunk) { c.Error = "" }},
		{"error_response without error_class", ChunkErrorResponse,
			func(c *Chunk) { c.ErrorClass = "" }},
		{"usage_limit_exceeded without daily_limit", ChunkUsageLimitExceeded,
			func(c *Chunk) { c.DailyLimit = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk := sampleChunk(tt.typ)
			tt.mutate(&chunk)
			assert.Error(t, Validate(chunk))
		})
	}
}

// TestValidate_EmptyContentIsStillContent verifies that a response_chunk with
// an empty string content is valid: the requirement is a non-nil string, not
// a non-empty one (whitespace tokens are legitimate stream fragments).
func TestValidate_EmptyContentIsStillContent(t *testing.T) {
	chunk := NewResponseChunk("", int64Ptr(1))
	assert.NoError(t, Validate(chunk))
}

// TestNewUsageLimitExceeded_RemainingAlwaysZero pins the wire contract that a
// limit chunk always reports zero remaining requests.
func TestNewUsageLimitExceeded_RemainingAlwaysZero(t *testing.T) {
	chunk := NewUsageLimitExceeded(51, 50, nil)
	assert.Equal(t, 0, chunk.RemainingRequests)
	assert.Equal(t, 51, chunk.DailyRequests)
	assert.Equal(t, 50, chunk.DailyLimit)
}

// TestConstructors_StampIdentity verifies constructors assign unique message
// ids and RFC3339 timestamps.
func TestConstructors_StampIdentity(t *testing.T) {
	a := NewResponseStart(nil)
	b := NewResponseStart(nil)
	assert.NotEmpty(t, a.MessageID)
	assert.NotEqual(t, a.MessageID, b.MessageID)
	assert.NoError(t, Validate(a))
	assert.Nil(t, a.ConversationID)
}
