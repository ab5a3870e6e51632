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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cagemetric/cagemetric/services/llm"
)

// phase2CallTimeout bounds the whole synthesis stream, not a single token.
const phase2CallTimeout = 120 * time.Second

// TokenFunc receives each streamed token as it arrives. Returning an error
// aborts the stream; the error is reported as a transport failure.
type TokenFunc func(token string) error

// Phase2 streams the synthesis answer and parses it into a Synthesis.
type Phase2 struct {
	llm    llm.LLMClient
	params llm.GenerationParams
	log    *slog.Logger

	// newAccumulator is swappable so tests can avoid mlocked memory.
	newAccumulator func() (TokenAccumulator, error)
}

func NewPhase2(client llm.LLMClient, params llm.GenerationParams, log *slog.Logger) *Phase2 {
	if log == nil {
		log = slog.Default()
	}
	return &Phase2{
		llm:            client,
		params:         params,
		log:            log,
		newAccumulator: NewTokenAccumulator,
	}
}

// Run streams the model's synthesis of a phase-one result.
//
// Every token is forwarded to onToken before it is accumulated, so the
// client watches the answer being written even when the final payload is
// structured. Once the stream completes the accumulated text goes through
// the parse ladder; Run itself only fails on model transport errors, an
// aborted forward, or a poisoned accumulator.
func (p *Phase2) Run(ctx context.Context, question string, phase1 Phase1Result, onToken TokenFunc) (Synthesis, error) {
	tracer := otel.Tracer("cagemetric.relay.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.Phase2")
	defer span.End()

	prompt, err := p.buildPrompt(question, phase1)
	if err != nil {
		return Synthesis{}, newError(ClassInternal, "failed to build the synthesis prompt", err)
	}

	acc, err := p.newAccumulator()
	if err != nil {
		return Synthesis{}, newError(ClassInternal, "failed to allocate the answer buffer", err)
	}
	defer acc.Destroy()

	callCtx, cancel := context.WithTimeout(ctx, phase2CallTimeout)
	defer cancel()

	events := make(chan llm.StreamEvent, 64)
	messages := []llm.Message{{Role: "system", Content: prompt}}
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- p.llm.ChatStream(callCtx, messages, p.params, events)
	}()

	for event := range events {
		switch event.Type {
		case llm.StreamEventToken:
			if err := onToken(event.Content); err != nil {
				cancel()
				drain(events)
				<-streamErr
				return Synthesis{}, err
			}
			if err := acc.Write(event.Content); err != nil {
				cancel()
				drain(events)
				<-streamErr
				return Synthesis{}, newError(ClassInternal, "The answer exceeded the response buffer", err)
			}
		case llm.StreamEventError:
			drain(events)
			<-streamErr
			return Synthesis{}, newError(ClassModelCall, "The synthesis model failed mid-answer", event.Err)
		case llm.StreamEventDone:
			// The channel closes right after; keep draining.
		}
	}
	if err := <-streamErr; err != nil {
		return Synthesis{}, newError(ClassModelCall, "The synthesis model is unavailable", err)
	}

	answer, answerHash, err := acc.Finalize()
	if err != nil {
		return Synthesis{}, newError(ClassInternal, "failed to finalize the streamed answer", err)
	}

	synthesis := parseSynthesis(answer)
	synthesis.Answer = answer
	synthesis.AnswerHash = answerHash

	span.SetAttributes(
		attribute.String("phase2.visualization", synthesis.SelectedVisualization),
		attribute.Bool("phase2.fallback", synthesis.FallbackApplied),
	)
	if synthesis.FallbackApplied {
		p.log.Info("synthesis output required a fallback",
			"visualization", synthesis.SelectedVisualization,
			"answer_length", len(answer))
	}
	return synthesis, nil
}

func (p *Phase2) buildPrompt(question string, phase1 Phase1Result) (string, error) {
	resultJSON, err := json.Marshal(phase1.Invocation)
	if err != nil {
		return "", err
	}
	query := phase1.Query
	if query == "" {
		query = "(no query was executed)"
	}
	intent := phase1.Summary
	if intent == "" {
		intent = "(none provided)"
	}
	return phase2SystemPrompt.Format(map[string]any{
		"question": question,
		"intent":   intent,
		"query":    query,
		"result":   string(resultJSON),
	})
}

func drain(events <-chan llm.StreamEvent) {
	for range events {
	}
}
