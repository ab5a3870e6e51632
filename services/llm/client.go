// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides the model backend clients used by the relay pipeline.
package llm

import "context"

// GenerationParams tunes a single model call. Nil pointers mean backend
// defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Message is one turn of model conversation context.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested invocation of a declared tool. Arguments is
// the raw JSON argument object exactly as the model produced it; callers must
// treat it as untrusted and may fail to parse it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec declares one tool the model may call. Parameters is a JSON Schema
// object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatResponse is the outcome of a tool-aware chat call. ToolCalls is empty
// when the model answered directly.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

// StreamEventType discriminates streaming events.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventError StreamEventType = "error"
	StreamEventDone  StreamEventType = "done"
)

// StreamEvent is one element of a streamed model response. The model-call
// wrapper writes these into a caller-owned channel; the consumer going away
// is signalled through context cancellation.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
	Err     error           `json:"-"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Generate produces text from a single prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Chat conducts a conversation with message history.
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)

	// ChatWithTools conducts one conversation turn with the given tools
	// declared. The model either answers directly or requests tool calls.
	ChatWithTools(ctx context.Context, messages []Message, tools []ToolSpec,
		params GenerationParams) (*ChatResponse, error)

	// ChatStream streams a conversation response into events. The channel is
	// closed by ChatStream before it returns; a terminal StreamEventDone or
	// StreamEventError is emitted first. Cancelling ctx aborts the stream.
	ChatStream(ctx context.Context, messages []Message, params GenerationParams,
		events chan<- StreamEvent) error
}
