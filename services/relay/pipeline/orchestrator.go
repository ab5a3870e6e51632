// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline turns one user question into one streamed, visualized
// answer.
//
// # Description
//
// The Orchestrator owns the life of a single exchange: it meters the user,
// validates the message, persists what it can, runs the two reasoning
// phases, and emits the outbound chunk sequence over the caller's session.
// Phase 1 is a bounded tool-call loop that gathers data through the SQL
// gateway; Phase 2 streams a synthesis of that data and shapes it into a
// visualization the client can render.
//
// # Chunk Ordering
//
// A successful exchange always produces, in order: message_received,
// typing(true), response_start, response_chunk*, final_result,
// response_end, typing(false). A failed exchange produces exactly one
// error chunk, and typing(false) still follows if typing(true) was sent.
//
// # Thread Safety
//
// One Orchestrator serves all connections; every exchange runs in its own
// goroutine with no shared per-exchange state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cagemetric/cagemetric/services/relay/datatypes"
	"github.com/cagemetric/cagemetric/services/relay/observability"
	"github.com/cagemetric/cagemetric/services/relay/protocol"
	"github.com/cagemetric/cagemetric/services/relay/registry"
	"github.com/cagemetric/cagemetric/services/relay/store"
	"github.com/cagemetric/cagemetric/services/relay/tools"
	"github.com/cagemetric/cagemetric/services/relay/usage"
)

// historyWindow is how many prior messages phase one sees.
const historyWindow = 20

// conversationTitleLimit bounds the title derived from the first message.
const conversationTitleLimit = 80

// State names one step of an exchange. Transitions only move forward;
// StateErrorTerminal is reachable from every non-terminal state.
type State string

const (
	StateIdle          State = "Idle"
	StateValidating    State = "Validating"
	StateUsageChecked  State = "UsageChecked"
	StatePhase1Running State = "Phase1Running"
	StatePhase2Running State = "Phase2Running"
	StateDelivered     State = "Delivered"
	StateErrorTerminal State = "ErrorTerminal"
)

// Sender delivers chunks to one connection. *registry.Registry satisfies it.
type Sender interface {
	SendToConnection(connectionID string, chunk protocol.Chunk) error
	Session(connectionID string) *registry.Session
}

// Request is one inbound user message, already framed by the endpoint.
type Request struct {
	ConnectionID string
	UserID       int64
	Content      string
}

// Orchestrator coordinates the two reasoning phases for every exchange.
type Orchestrator struct {
	sender  Sender
	phase1  *Phase1
	phase2  *Phase2
	store   store.Store
	gate    usage.Gate
	metrics *observability.RelayMetrics
	log     *slog.Logger
}

func NewOrchestrator(
	sender Sender,
	phase1 *Phase1,
	phase2 *Phase2,
	st store.Store,
	gate usage.Gate,
	metrics *observability.RelayMetrics,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		sender:  sender,
		phase1:  phase1,
		phase2:  phase2,
		store:   st,
		gate:    gate,
		metrics: metrics,
		log:     log,
	}
}

// exchange tracks the mutable state of one inbound message.
type exchange struct {
	req            Request
	state          State
	conversationID *int64
	typingSent     bool
	started        time.Time
}

// Handle runs one full exchange. It never returns an error to the endpoint:
// every failure is either delivered to the client as a chunk or, when the
// connection itself is gone, dropped.
func (o *Orchestrator) Handle(ctx context.Context, req Request) {
	tracer := otel.Tracer("cagemetric.relay.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("connection_id", req.ConnectionID),
		attribute.Int64("user_id", req.UserID),
	)

	ex := &exchange{req: req, state: StateIdle, started: time.Now()}

	status := o.run(ctx, ex)

	if o.metrics != nil {
		o.metrics.RequestsTotal.WithLabelValues(status).Inc()
		o.metrics.RequestDurationSeconds.WithLabelValues(status).
			Observe(time.Since(ex.started).Seconds())
	}
	span.SetAttributes(attribute.String("status", status))
}

// run drives the state machine and returns the terminal metrics status.
func (o *Orchestrator) run(ctx context.Context, ex *exchange) string {
	// The session must still exist; a raced disconnect means there is
	// nobody to talk to and nothing to send.
	if o.sender.Session(ex.req.ConnectionID) == nil {
		o.log.Debug("exchange dropped, session is gone", "connection_id", ex.req.ConnectionID)
		return "error"
	}

	o.transition(ex, StateValidating)

	// Usage gate first: a metered-out user pays no validation or model cost.
	current, allowed := o.gate.CheckLimit(ctx, ex.req.UserID)
	if !allowed {
		o.send(ex, protocol.NewUsageLimitExceeded(current.DailyRequests, current.DailyLimit, nil))
		o.transition(ex, StateErrorTerminal)
		return "usage_limited"
	}
	o.transition(ex, StateUsageChecked)

	content := strings.TrimSpace(ex.req.Content)
	if err := validateContent(content); err != nil {
		o.fail(ex, err)
		return "error"
	}

	// Conversation resolution and user-message persistence are best effort:
	// the user still gets an answer when the store is down.
	history := o.persistUserMessage(ctx, ex, content)

	if err := o.send(ex, protocol.NewMessageReceived(ex.conversationID)); err != nil {
		o.abort(ex, err)
		return "error"
	}
	if err := o.send(ex, protocol.NewTyping(true, ex.conversationID)); err != nil {
		o.abort(ex, err)
		return "error"
	}
	ex.typingSent = true
	defer o.stopTyping(ex)

	o.transition(ex, StatePhase1Running)
	retrieval, err := o.phase1.Run(ctx, content, history)
	if err != nil {
		o.fail(ex, err)
		return "error"
	}
	o.recordToolMetrics(retrieval)

	if err := o.send(ex, protocol.NewResponseStart(ex.conversationID)); err != nil {
		o.abort(ex, err)
		return "error"
	}

	o.transition(ex, StatePhase2Running)
	synthesis, err := o.phase2.Run(ctx, content, retrieval, func(token string) error {
		if o.metrics != nil {
			o.metrics.TokensStreamedTotal.Inc()
		}
		return o.send(ex, protocol.NewResponseChunk(token, ex.conversationID))
	})
	if err != nil {
		if isConnectionLost(err) {
			o.abort(ex, err)
			return "error"
		}
		o.fail(ex, err)
		return "error"
	}

	final := protocol.NewFinalResult(
		synthesis.Answer,
		synthesis.SelectedVisualization,
		synthesis.VisualizationData,
		synthesis.Insights,
		ex.conversationID,
	)
	final.FallbackApplied = synthesis.FallbackApplied
	if err := o.send(ex, final); err != nil {
		o.abort(ex, err)
		return "error"
	}
	if err := o.send(ex, protocol.NewResponseEnd(ex.conversationID)); err != nil {
		o.abort(ex, err)
		return "error"
	}

	if synthesis.FallbackApplied && o.metrics != nil {
		o.metrics.FallbacksTotal.Inc()
	}

	o.persistAssistantMessage(ctx, ex, synthesis)
	if err := o.gate.Record(ctx, ex.req.UserID); err != nil {
		o.log.Warn("usage was not recorded", "user_id", ex.req.UserID, "error", err)
	}

	o.transition(ex, StateDelivered)
	return "delivered"
}

// recordToolMetrics counts the chosen invocation's outcome. Individual
// attempts inside the loop are visible in logs, not metrics.
func (o *Orchestrator) recordToolMetrics(retrieval Phase1Result) {
	if o.metrics == nil || retrieval.Attempts == 0 {
		return
	}
	outcome := "failure"
	if retrieval.Invocation.Success {
		outcome = "success"
	}
	o.metrics.ToolInvocationsTotal.WithLabelValues(tools.ToolNameExecuteRawSQL, outcome).Inc()
}

func validateContent(content string) error {
	if content == "" {
		return newError(ClassValidation, "Message content cannot be empty", nil)
	}
	if len(content) > datatypes.MaxMessageContentBytes {
		return newError(ClassValidation,
			fmt.Sprintf("Message content exceeds the %d byte limit", datatypes.MaxMessageContentBytes), nil)
	}
	return nil
}

// persistUserMessage opens a fresh conversation for the message and saves
// it. Every inbound message starts a new conversation; follow-up context
// comes from the history the endpoint accumulated, not from threading.
// Store failures are logged and the exchange continues without persistence.
func (o *Orchestrator) persistUserMessage(ctx context.Context, ex *exchange, content string) []datatypes.Message {
	title := content
	if len(title) > conversationTitleLimit {
		title = title[:conversationTitleLimit]
	}
	conv, err := o.store.CreateConversation(ctx, ex.req.UserID, title)
	if err != nil {
		o.log.Warn("conversation was not created", "user_id", ex.req.UserID, "error", err)
		return nil
	}
	ex.conversationID = &conv.ID

	if _, err := o.store.SaveMessage(ctx, datatypes.Message{
		ConversationID: conv.ID,
		UserID:         ex.req.UserID,
		Role:           datatypes.RoleUser,
		Content:        content,
	}); err != nil {
		o.log.Warn("user message was not persisted", "conversation_id", conv.ID, "error", err)
	}

	history, err := o.store.RecentMessages(ctx, conv.ID, historyWindow)
	if err != nil {
		o.log.Warn("history lookup failed", "conversation_id", conv.ID, "error", err)
		return nil
	}
	// The freshly saved user message is re-sent explicitly by phase one.
	if n := len(history); n > 0 && history[n-1].Role == datatypes.RoleUser {
		history = history[:n-1]
	}
	return history
}

// persistAssistantMessage saves the delivered answer with a short note
// about how it was visualized. Best effort.
func (o *Orchestrator) persistAssistantMessage(ctx context.Context, ex *exchange, synthesis Synthesis) {
	if ex.conversationID == nil {
		return
	}
	content := synthesis.Answer
	if synthesis.SelectedVisualization != VizTextSummary {
		content = fmt.Sprintf("%s\n\n[rendered as %s]", content, synthesis.SelectedVisualization)
	}
	if _, err := o.store.SaveMessage(ctx, datatypes.Message{
		ConversationID: *ex.conversationID,
		UserID:         ex.req.UserID,
		Role:           datatypes.RoleAssistant,
		Content:        content,
	}); err != nil {
		o.log.Warn("assistant message was not persisted",
			"conversation_id", *ex.conversationID, "error", err)
	}
}

// fail delivers exactly one error chunk for a classified failure and moves
// the exchange to its terminal state.
func (o *Orchestrator) fail(ex *exchange, err error) {
	class := Classify(err)
	o.log.Error("exchange failed",
		"connection_id", ex.req.ConnectionID,
		"state", ex.state,
		"class", class,
		"error", err,
	)
	if o.metrics != nil {
		o.metrics.PipelineErrorsTotal.WithLabelValues(string(class)).Inc()
	}

	// User-correctable problems get the plain error variant; pipeline
	// failures carry a class for the client to display and report.
	var chunk protocol.Chunk
	switch class {
	case ClassValidation, ClassNotFound:
		chunk = protocol.NewError(ClientMessage(err), ex.conversationID)
	default:
		// The full cause chain rides along as the traceback so the
		// client can surface it in a bug report.
		chunk = protocol.NewErrorResponse(ClientMessage(err), string(class), err.Error(), ex.conversationID)
	}
	if sendErr := o.send(ex, chunk); sendErr != nil {
		o.log.Debug("error chunk was not delivered", "connection_id", ex.req.ConnectionID)
	}
	o.transition(ex, StateErrorTerminal)
}

// abort ends an exchange whose connection is gone. Nothing is sent.
func (o *Orchestrator) abort(ex *exchange, err error) {
	o.log.Info("exchange aborted, connection lost",
		"connection_id", ex.req.ConnectionID,
		"state", ex.state,
		"error", err,
	)
	if o.metrics != nil {
		o.metrics.PipelineErrorsTotal.WithLabelValues(string(ClassTransport)).Inc()
	}
	ex.typingSent = false
	o.transition(ex, StateErrorTerminal)
}

func (o *Orchestrator) stopTyping(ex *exchange) {
	if !ex.typingSent {
		return
	}
	if err := o.send(ex, protocol.NewTyping(false, ex.conversationID)); err != nil {
		o.log.Debug("typing(false) was not delivered", "connection_id", ex.req.ConnectionID)
	}
}

func (o *Orchestrator) send(ex *exchange, chunk protocol.Chunk) error {
	return o.sender.SendToConnection(ex.req.ConnectionID, chunk)
}

func (o *Orchestrator) transition(ex *exchange, next State) {
	o.log.Debug("exchange state",
		"connection_id", ex.req.ConnectionID,
		"from", ex.state,
		"to", next,
	)
	ex.state = next
}

func isConnectionLost(err error) bool {
	return errors.Is(err, registry.ErrConnectionLost)
}
