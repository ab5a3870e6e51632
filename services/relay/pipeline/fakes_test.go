// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"

	"github.com/cagemetric/cagemetric/services/llm"
	"github.com/cagemetric/cagemetric/services/relay/datatypes"
	"github.com/cagemetric/cagemetric/services/relay/protocol"
	"github.com/cagemetric/cagemetric/services/relay/registry"
	"github.com/cagemetric/cagemetric/services/relay/tools"
	"github.com/cagemetric/cagemetric/services/relay/usage"
)

// fakeLLM scripts ChatWithTools responses and ChatStream tokens.
type fakeLLM struct {
	responses []*llm.ChatResponse
	chatErr   error

	streamTokens   []string
	streamEventErr error
	streamErr      error

	chatCalls    int
	seenMessages [][]llm.Message
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	return "", errors.New("not scripted")
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.Message, params llm.GenerationParams) (string, error) {
	return "", errors.New("not scripted")
}

func (f *fakeLLM) ChatWithTools(ctx context.Context, messages []llm.Message, specs []llm.ToolSpec,
	params llm.GenerationParams) (*llm.ChatResponse, error) {

	f.seenMessages = append(f.seenMessages, messages)
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	if f.chatCalls >= len(f.responses) {
		return &llm.ChatResponse{Content: "Here is what I found."}, nil
	}
	resp := f.responses[f.chatCalls]
	f.chatCalls++
	return resp, nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, messages []llm.Message, params llm.GenerationParams,
	events chan<- llm.StreamEvent) error {

	defer close(events)
	for _, token := range f.streamTokens {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case events <- llm.StreamEvent{Type: llm.StreamEventToken, Content: token}:
		}
	}
	if f.streamEventErr != nil {
		events <- llm.StreamEvent{Type: llm.StreamEventError, Err: f.streamEventErr}
		return f.streamEventErr
	}
	events <- llm.StreamEvent{Type: llm.StreamEventDone}
	return f.streamErr
}

// toolCallResponse builds one assistant turn requesting the SQL tool.
func toolCallResponse(id, query string) *llm.ChatResponse {
	return &llm.ChatResponse{
		ToolCalls: []llm.ToolCall{{
			ID:        id,
			Name:      tools.ToolNameExecuteRawSQL,
			Arguments: `{"query":` + quoteJSON(query) + `}`,
		}},
	}
}

func quoteJSON(s string) string {
	out := `"`
	for _, r := range s {
		if r == '"' || r == '\\' {
			out += `\`
		}
		out += string(r)
	}
	return out + `"`
}

// fakeGateway hands out scripted invocation results in order.
type fakeGateway struct {
	results  []tools.InvocationResult
	idx      int
	executed []string
}

func (g *fakeGateway) Execute(ctx context.Context, name string, args map[string]any) tools.InvocationResult {
	query, _ := args["query"].(string)
	g.executed = append(g.executed, query)
	if g.idx >= len(g.results) {
		return tools.InvocationResult{Success: true, RowCount: 1,
			Columns: []string{"n"}, Rows: []map[string]any{{"n": 1}}}
	}
	result := g.results[g.idx]
	g.idx++
	return result
}

func (g *fakeGateway) Specs() []llm.ToolSpec {
	return []llm.ToolSpec{{Name: tools.ToolNameExecuteRawSQL}}
}

// fakeSender records every chunk; it can be scripted to lose the connection
// after a fixed number of sends.
type fakeSender struct {
	chunks    []protocol.Chunk
	failAfter int // -1 never fails
	session   *registry.Session
}

func newFakeSender() *fakeSender {
	return &fakeSender{failAfter: -1, session: &registry.Session{ConnectionID: "conn-1", UserID: 7}}
}

func (s *fakeSender) SendToConnection(connectionID string, chunk protocol.Chunk) error {
	if s.failAfter >= 0 && len(s.chunks) >= s.failAfter {
		return registry.ErrConnectionLost
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *fakeSender) Session(connectionID string) *registry.Session {
	return s.session
}

func (s *fakeSender) types() []protocol.ChunkType {
	out := make([]protocol.ChunkType, len(s.chunks))
	for i, c := range s.chunks {
		out[i] = c.Type
	}
	return out
}

// fakeGate scripts the usage decision.
type fakeGate struct {
	allowed   bool
	usage     datatypes.Usage
	recorded  int
	recordErr error
}

var _ usage.Gate = (*fakeGate)(nil)

func (g *fakeGate) CheckLimit(ctx context.Context, userID int64) (datatypes.Usage, bool) {
	return g.usage, g.allowed
}

func (g *fakeGate) GetUsage(ctx context.Context, userID int64) (datatypes.Usage, error) {
	return g.usage, nil
}

func (g *fakeGate) Record(ctx context.Context, userID int64) error {
	g.recorded++
	return g.recordErr
}
