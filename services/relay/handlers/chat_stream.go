// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cagemetric/cagemetric/services/llm"
)

const (
	// keepAliveInterval stays well under common load balancer idle
	// timeouts (60s for nginx and ALB defaults).
	keepAliveInterval = 15 * time.Second

	directStreamTimeout = 120 * time.Second
)

// DirectChatRequest is the body of POST /v1/chat/direct/stream. The direct
// channel talks to the model with no tool loop, persistence, or usage
// accounting; it exists for the CLI and for smoke-testing model backends.
type DirectChatRequest struct {
	Prompt      string   `json:"prompt" binding:"required"`
	System      string   `json:"system,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// DirectStreamHandler serves model output as server-sent events.
type DirectStreamHandler struct {
	llm llm.LLMClient
	log *slog.Logger
}

func NewDirectStreamHandler(client llm.LLMClient, log *slog.Logger) *DirectStreamHandler {
	if log == nil {
		log = slog.Default()
	}
	return &DirectStreamHandler{llm: client, log: log}
}

// Handle streams one direct model exchange. Event order on the wire is
// status, then zero or more tokens, then exactly one of done or error.
func (h *DirectStreamHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("cagemetric.relay.pipeline").Start(
		c.Request.Context(), "direct_chat_stream")
	defer span.End()

	var req DirectChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	span.SetAttributes(attribute.Int("prompt_length", len(req.Prompt)))

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	c.Status(http.StatusOK)

	if err := writer.WriteStatus("Contacting model..."); err != nil {
		return
	}

	messages := make([]llm.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, llm.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, llm.Message{Role: "user", Content: req.Prompt})

	params := llm.GenerationParams{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	streamCtx, cancel := context.WithTimeout(ctx, directStreamTimeout)
	defer cancel()

	events := make(chan llm.StreamEvent, 64)
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- h.llm.ChatStream(streamCtx, messages, params, events)
	}()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	tokens := 0
	for {
		select {
		case <-keepAlive.C:
			if err := writer.WriteKeepAlive(); err != nil {
				// Client went away; unblock the producer.
				cancel()
				drainEvents(events)
				<-streamErr
				return
			}
		case event, ok := <-events:
			if !ok {
				if err := <-streamErr; err != nil {
					h.writeStreamError(writer, err)
					return
				}
				_ = writer.WriteDone()
				h.log.Debug("direct stream complete", "tokens", tokens)
				return
			}
			switch event.Type {
			case llm.StreamEventToken:
				tokens++
				if err := writer.WriteToken(event.Content); err != nil {
					cancel()
					drainEvents(events)
					<-streamErr
					return
				}
			case llm.StreamEventError:
				drainEvents(events)
				<-streamErr
				h.writeStreamError(writer, event.Err)
				return
			case llm.StreamEventDone:
				// Terminal; the channel close follows.
			}
		}
	}
}

func (h *DirectStreamHandler) writeStreamError(writer SSEWriter, err error) {
	h.log.Error("direct stream failed", "error", err)
	_ = writer.WriteError(fmt.Sprintf("model call failed: %v", err))
}

func drainEvents(events <-chan llm.StreamEvent) {
	for range events {
	}
}
