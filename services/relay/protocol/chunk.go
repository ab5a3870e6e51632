// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package protocol defines the outbound chunk wire format for the relay.
//
// # Description
//
// A Chunk is one discrete, typed event in the streaming protocol the browser
// client consumes. The set of chunk types is closed: every switch over
// ChunkType in this package lists all variants explicitly so that adding a
// new type without handling it everywhere fails review, not production.
//
// Chunks are constructed through the New* constructors, which stamp the
// message id and timestamp, and are treated as immutable after construction.
// Validate is a pure function with no side effects; it can be fuzzed
// independently of any transport.
package protocol

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Chunk Types
// =============================================================================

// ChunkType discriminates the closed union of outbound events.
type ChunkType string

const (
	ChunkConnectionEstablished ChunkType = "connection_established"
	ChunkMessageReceived       ChunkType = "message_received"
	ChunkTyping                ChunkType = "typing"
	ChunkResponseStart         ChunkType = "response_start"
	ChunkResponseChunk         ChunkType = "response_chunk"
	ChunkResponseEnd           ChunkType = "response_end"
	ChunkFinalResult           ChunkType = "final_result"
	ChunkError                 ChunkType = "error"
	ChunkErrorResponse         ChunkType = "error_response"
	ChunkUsageLimitExceeded    ChunkType = "usage_limit_exceeded"
	ChunkPong                  ChunkType = "pong"
)

// AllChunkTypes lists every member of the union, in protocol order.
// Tests iterate this to prove the validator is exhaustive.
var AllChunkTypes = []ChunkType{
	ChunkConnectionEstablished,
	ChunkMessageReceived,
	ChunkTyping,
	ChunkResponseStart,
	ChunkResponseChunk,
	ChunkResponseEnd,
	ChunkFinalResult,
	ChunkError,
	ChunkErrorResponse,
	ChunkUsageLimitExceeded,
	ChunkPong,
}

// Known reports whether t is a member of the closed union.
func (t ChunkType) Known() bool {
	switch t {
	case ChunkConnectionEstablished, ChunkMessageReceived, ChunkTyping,
		ChunkResponseStart, ChunkResponseChunk, ChunkResponseEnd,
		ChunkFinalResult, ChunkError, ChunkErrorResponse,
		ChunkUsageLimitExceeded, ChunkPong:
		return true
	}
	return false
}

// =============================================================================
// Chunk
// =============================================================================

// Chunk is one outbound event. Every chunk carries MessageID, ConversationID
// (nullable) and Timestamp; the remaining fields are variant-specific and nil
// or zero for other variants.
type Chunk struct {
	Type           ChunkType `json:"type" validate:"required"`
	MessageID      string    `json:"message_id" validate:"required"`
	ConversationID *int64    `json:"conversation_id"`
	Timestamp      string    `json:"timestamp" validate:"required"`

	// connection_established
	ConnectionID string `json:"connection_id,omitempty"`
	UserID       int64  `json:"user_id,omitempty"`

	// typing
	IsTyping *bool `json:"is_typing,omitempty"`

	// response_chunk, final_result
	Content *string `json:"content,omitempty"`

	// final_result
	VisualizationType string         `json:"visualization_type,omitempty"`
	VisualizationData map[string]any `json:"visualization_data,omitempty"`
	Insights          []string       `json:"insights,omitempty"`
	FallbackApplied   bool           `json:"fallback_applied,omitempty"`

	// error, error_response, usage_limit_exceeded
	Error      string `json:"error,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`
	Traceback  string `json:"traceback,omitempty"`

	// usage_limit_exceeded
	DailyRequests     int `json:"daily_requests,omitempty"`
	DailyLimit        int `json:"daily_limit,omitempty"`
	RemainingRequests int `json:"remaining_requests"`
}

// =============================================================================
// Validation
// =============================================================================

// base-field validation is delegated to validator struct tags; the variant
// rules below stay as explicit switch arms.
var validate = validator.New()

// Validate reports whether c is a well-formed protocol chunk.
//
// # Description
//
// A chunk is valid iff its type is a member of the closed union, the base
// fields (message_id, timestamp) are present, and the variant's required
// fields are set. Pure function: no logging, no mutation.
//
// # Outputs
//
//   - error: nil for a valid chunk; otherwise a description of the first
//     violated rule.
func Validate(c Chunk) error {
	if !c.Type.Known() {
		return fmt.Errorf("unknown chunk type %q", c.Type)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("chunk base fields: %w", err)
	}
	if _, err := time.Parse(time.RFC3339, c.Timestamp); err != nil {
		return fmt.Errorf("chunk timestamp not RFC3339: %w", err)
	}

	switch c.Type {
	case ChunkConnectionEstablished:
		if c.ConnectionID == "" {
			return fmt.Errorf("connection_established requires connection_id")
		}
		if c.UserID == 0 {
			return fmt.Errorf("connection_established requires user_id")
		}
	case ChunkMessageReceived, ChunkResponseStart, ChunkResponseEnd, ChunkPong:
		// No variant fields beyond the base set.
	case ChunkTyping:
		if c.IsTyping == nil {
			return fmt.Errorf("typing requires is_typing")
		}
	case ChunkResponseChunk:
		if c.Content == nil {
			return fmt.Errorf("response_chunk requires content")
		}
	case ChunkFinalResult:
		if c.Content == nil {
			return fmt.Errorf("final_result requires content")
		}
		if c.VisualizationType == "" {
			return fmt.Errorf("final_result requires visualization_type")
		}
	case ChunkError:
		if c.Error == "" {
			return fmt.Errorf("error requires error")
		}
	case ChunkErrorResponse:
		if c.Error == "" {
			return fmt.Errorf("error_response requires error")
		}
		if c.ErrorClass == "" {
			return fmt.Errorf("error_response requires error_class")
		}
	case ChunkUsageLimitExceeded:
		if c.Error == "" {
			return fmt.Errorf("usage_limit_exceeded requires error")
		}
		if c.DailyLimit <= 0 {
			return fmt.Errorf("usage_limit_exceeded requires daily_limit")
		}
	}
	return nil
}

// =============================================================================
// Constructors
// =============================================================================

func newChunk(t ChunkType, conversationID *int64) Chunk {
	return Chunk{
		Type:           t,
		MessageID:      uuid.New().String(),
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
}

// NewConnectionEstablished announces a registered session to its client.
func NewConnectionEstablished(connectionID string, userID int64, conversationID *int64) Chunk {
	c := newChunk(ChunkConnectionEstablished, conversationID)
	c.ConnectionID = connectionID
	c.UserID = userID
	return c
}

// NewMessageReceived acknowledges receipt of an inbound user message.
func NewMessageReceived(conversationID *int64) Chunk {
	return newChunk(ChunkMessageReceived, conversationID)
}

// NewTyping signals assistant typing state.
func NewTyping(isTyping bool, conversationID *int64) Chunk {
	c := newChunk(ChunkTyping, conversationID)
	c.IsTyping = &isTyping
	return c
}

// NewResponseStart opens the streamed answer for one exchange.
func NewResponseStart(conversationID *int64) Chunk {
	return newChunk(ChunkResponseStart, conversationID)
}

// NewResponseChunk carries one streamed content fragment.
func NewResponseChunk(content string, conversationID *int64) Chunk {
	c := newChunk(ChunkResponseChunk, conversationID)
	c.Content = &content
	return c
}

// NewResponseEnd closes the streamed answer for one exchange.
func NewResponseEnd(conversationID *int64) Chunk {
	return newChunk(ChunkResponseEnd, conversationID)
}

// NewFinalResult carries the synthesized answer with its visualization.
func NewFinalResult(content, visualizationType string, visualizationData map[string]any,
	insights []string, conversationID *int64) Chunk {

	c := newChunk(ChunkFinalResult, conversationID)
	c.Content = &content
	c.VisualizationType = visualizationType
	c.VisualizationData = visualizationData
	c.Insights = insights
	return c
}

// NewError carries a user-correctable failure for one exchange.
func NewError(errMsg string, conversationID *int64) Chunk {
	c := newChunk(ChunkError, conversationID)
	c.Error = errMsg
	return c
}

// NewErrorResponse carries a classified pipeline failure.
func NewErrorResponse(errMsg, errorClass, traceback string, conversationID *int64) Chunk {
	c := newChunk(ChunkErrorResponse, conversationID)
	c.Error = errMsg
	c.ErrorClass = errorClass
	c.Traceback = traceback
	return c
}

// NewUsageLimitExceeded signals the hard daily-limit stop.
func NewUsageLimitExceeded(dailyRequests, dailyLimit int, conversationID *int64) Chunk {
	c := newChunk(ChunkUsageLimitExceeded, conversationID)
	c.Error = fmt.Sprintf("Daily request limit reached (%d/%d)", dailyRequests, dailyLimit)
	c.DailyRequests = dailyRequests
	c.DailyLimit = dailyLimit
	c.RemainingRequests = 0
	return c
}

// NewPong answers a client ping.
func NewPong(conversationID *int64) Chunk {
	return newChunk(ChunkPong, conversationID)
}
