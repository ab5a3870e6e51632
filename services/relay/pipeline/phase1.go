// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cagemetric/cagemetric/services/llm"
	"github.com/cagemetric/cagemetric/services/relay/datatypes"
	"github.com/cagemetric/cagemetric/services/relay/tools"
)

const (
	// MaxToolIterations bounds the data-gathering loop. The model gets at
	// most this many chances to query the database for one question.
	MaxToolIterations = 5

	// phase1CallTimeout bounds a single model round trip.
	phase1CallTimeout = 60 * time.Second

	// noToolExecutedMessage is the synthetic failure used when the model
	// answers without ever calling a tool.
	noToolExecutedMessage = "No tool was executed"
)

// Phase1Result carries the data the synthesis pass works from.
//
// Query and Invocation describe the invocation chosen by the extraction
// policy: the last successful one if any succeeded, otherwise the last
// attempt, otherwise a synthetic failure.
type Phase1Result struct {
	Query      string
	Invocation tools.InvocationResult
	// Summary is the model's closing text when it stops calling tools.
	// Empty when the loop exhausts the iteration cap.
	Summary    string
	Iterations int
	Attempts   int
}

// Phase1 runs the bounded tool-call loop that gathers data for a question.
type Phase1 struct {
	llm     llm.LLMClient
	gateway tools.Gateway
	params  llm.GenerationParams
	log     *slog.Logger
}

func NewPhase1(client llm.LLMClient, gateway tools.Gateway, params llm.GenerationParams, log *slog.Logger) *Phase1 {
	if log == nil {
		log = slog.Default()
	}
	return &Phase1{llm: client, gateway: gateway, params: params, log: log}
}

// Run drives the model through up to MaxToolIterations tool calls.
//
// Each iteration executes the first tool call in the model's reply; extra
// parallel calls are ignored. A tool call with arguments that do not parse
// as JSON still counts as an attempt, recorded as a failed invocation, and
// the loop continues so the model can correct itself. The loop ends when
// the model replies without a tool call or the iteration cap is reached.
//
// History gives the model the recent conversation for follow-up questions.
// Model transport failures are the only way Run returns an error.
func (p *Phase1) Run(ctx context.Context, question string, history []datatypes.Message) (Phase1Result, error) {
	tracer := otel.Tracer("cagemetric.relay.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.Phase1")
	defer span.End()

	systemPrompt, err := phase1SystemPrompt.Format(map[string]any{"question": question})
	if err != nil {
		return Phase1Result{}, newError(ClassInternal, "failed to build the analyst prompt", err)
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: question})

	specs := p.gateway.Specs()

	var result Phase1Result
	var lastSuccess *chosenInvocation
	var lastAttempt *chosenInvocation

	for iteration := 0; iteration < MaxToolIterations; iteration++ {
		result.Iterations = iteration + 1

		resp, err := p.chatOnce(ctx, messages, specs)
		if err != nil {
			return Phase1Result{}, newError(ClassModelCall, "The analysis model is unavailable", err)
		}
		if len(resp.ToolCalls) == 0 {
			result.Summary = resp.Content
			break
		}

		call := resp.ToolCalls[0]
		if len(resp.ToolCalls) > 1 {
			p.log.Debug("model requested parallel tool calls, executing the first only",
				"requested", len(resp.ToolCalls))
		}

		invocation, query := p.executeCall(ctx, call)
		result.Attempts++
		attempt := &chosenInvocation{query: query, result: invocation}
		lastAttempt = attempt
		if invocation.Success {
			lastSuccess = attempt
		}

		messages = append(messages,
			llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{call}},
			llm.Message{Role: "tool", ToolCallID: call.ID, Content: marshalInvocation(invocation)},
		)
	}

	chosen := lastSuccess
	if chosen == nil {
		chosen = lastAttempt
	}
	if chosen == nil {
		chosen = &chosenInvocation{
			result: tools.InvocationResult{Success: false, Error: noToolExecutedMessage},
		}
	}
	result.Query = chosen.query
	result.Invocation = chosen.result

	span.SetAttributes(
		attribute.Int("phase1.iterations", result.Iterations),
		attribute.Int("phase1.attempts", result.Attempts),
		attribute.Bool("phase1.success", result.Invocation.Success),
	)
	return result, nil
}

type chosenInvocation struct {
	query  string
	result tools.InvocationResult
}

func (p *Phase1) chatOnce(ctx context.Context, messages []llm.Message, specs []llm.ToolSpec) (*llm.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, phase1CallTimeout)
	defer cancel()
	return p.llm.ChatWithTools(callCtx, messages, specs, p.params)
}

// executeCall parses the model's argument payload and runs the tool. A
// payload that is not valid JSON becomes a failed invocation rather than an
// error; the model sees the parse failure and can retry.
func (p *Phase1) executeCall(ctx context.Context, call llm.ToolCall) (tools.InvocationResult, string) {
	var args map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		p.log.Warn("tool call arguments did not parse", "tool", call.Name, "error", err)
		return tools.InvocationResult{
			Success: false,
			Error:   fmt.Sprintf("tool arguments were not valid JSON: %v", err),
		}, ""
	}
	query, _ := args["query"].(string)
	return p.gateway.Execute(ctx, call.Name, args), query
}

func marshalInvocation(result tools.InvocationResult) string {
	encoded, err := json.Marshal(result)
	if err != nil {
		return `{"success":false,"error":"result could not be encoded"}`
	}
	return string(encoded)
}
