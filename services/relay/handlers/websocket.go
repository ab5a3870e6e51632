// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides the HTTP and websocket surface of the relay.
//
// The websocket endpoint is the product: one duplex connection per client
// carrying inbound frames (message, ping, typing) and the outbound chunk
// stream. The SSE endpoint is a thinner direct line to the model for
// debugging and the CLI.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/cagemetric/cagemetric/services/relay/datatypes"
	"github.com/cagemetric/cagemetric/services/relay/middleware"
	"github.com/cagemetric/cagemetric/services/relay/observability"
	"github.com/cagemetric/cagemetric/services/relay/pipeline"
	"github.com/cagemetric/cagemetric/services/relay/protocol"
	"github.com/cagemetric/cagemetric/services/relay/registry"
)

var upgrader = websocket.Upgrader{
	// The relay fronts browser clients from arbitrary origins; auth happens
	// at the token layer, not the origin layer.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// inboundFrame is the client-to-server wire shape. Type discriminates;
// the other fields are read per type.
type inboundFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	IsTyping bool   `json:"is_typing,omitempty"`
	// ConversationID is accepted on message frames for wire compatibility.
	// Every message currently starts a fresh conversation, so the value is
	// not threaded into the pipeline.
	ConversationID *int64 `json:"conversation_id,omitempty"`
}

// Exchanger runs one chat exchange. *pipeline.Orchestrator satisfies it.
type Exchanger interface {
	Handle(ctx context.Context, req pipeline.Request)
}

// wsTransport adapts a gorilla connection to the session registry. The
// registry serializes writes per session, so WriteJSON needs no lock here.
type wsTransport struct {
	conn   *websocket.Conn
	closed atomic.Bool
}

func (t *wsTransport) WriteJSON(v any) error {
	if t.closed.Load() {
		return fmt.Errorf("transport closed")
	}
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Open() bool {
	return !t.closed.Load()
}

func (t *wsTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

// WSHandler owns the websocket lifecycle for every client.
type WSHandler struct {
	registry  *registry.Registry
	exchanger Exchanger
	metrics   *observability.RelayMetrics
	log       *slog.Logger
}

func NewWSHandler(reg *registry.Registry, exchanger Exchanger, metrics *observability.RelayMetrics, log *slog.Logger) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{registry: reg, exchanger: exchanger, metrics: metrics, log: log}
}

// Handle upgrades the request and runs the frame loop until the client
// goes away. Auth has already happened in middleware; an unauthenticated
// request reaching this point is a routing bug.
func (h *WSHandler) Handle(c *gin.Context) {
	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	transport := &wsTransport{conn: conn}
	user := datatypes.User{ID: authInfo.UserID, Username: authInfo.Username, Email: authInfo.Email}
	connectionID, err := h.registry.Connect(transport, user, nil)
	if err != nil {
		h.log.Error("session registration failed", "error", err)
		_ = conn.Close()
		return
	}
	if h.metrics != nil {
		h.metrics.ConnectionsTotal.Inc()
		h.metrics.ConnectionsActive.Inc()
		defer h.metrics.ConnectionsActive.Dec()
	}
	defer h.registry.Disconnect(connectionID)

	log := h.log.With("connection_id", connectionID, "user_id", authInfo.UserID)
	log.Info("websocket client connected")

	if err := h.registry.SendToConnection(connectionID,
		protocol.NewConnectionEstablished(connectionID, authInfo.UserID, nil)); err != nil {
		return
	}

	h.readLoop(c.Request.Context(), connectionID, authInfo.UserID, conn, log)
	log.Info("websocket client disconnected")
}

// readLoop processes inbound frames sequentially. Message exchanges run in
// their own goroutine so a slow pipeline never blocks pings, but reads stay
// single-threaded per gorilla's contract.
func (h *WSHandler) readLoop(ctx context.Context, connectionID string, userID int64, conn *websocket.Conn, log *slog.Logger) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.sendError(connectionID, "Invalid JSON format")
			continue
		}

		switch frame.Type {
		case "message":
			go h.exchanger.Handle(ctx, pipeline.Request{
				ConnectionID: connectionID,
				UserID:       userID,
				Content:      frame.Content,
			})
		case "ping":
			if err := h.registry.SendToConnection(connectionID, protocol.NewPong(nil)); err != nil {
				return
			}
		case "typing":
			// Typing passthrough so other tabs of the same user see it.
			h.registry.SendToUser(userID, protocol.NewTyping(frame.IsTyping, nil))
		default:
			log.Debug("unknown frame type", "type", frame.Type)
			h.sendError(connectionID, fmt.Sprintf("Unknown message type: %s", frame.Type))
		}
	}
}

func (h *WSHandler) sendError(connectionID, message string) {
	if err := h.registry.SendToConnection(connectionID, protocol.NewError(message, nil)); err != nil {
		h.log.Debug("error frame was not delivered", "connection_id", connectionID)
	}
}
