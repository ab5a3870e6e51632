// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tools exposes the capabilities the reasoning model may invoke.
//
// # Description
//
// The only capability today is execute_raw_sql_query, a read-only window
// onto the fight statistics database. Every invocation is screened by the
// query policy engine before it touches Postgres, runs under its own
// deadline, and is capped at a fixed number of rows.
//
// The failure contract is deliberate: a Gateway never returns a Go error to
// its caller. Bad tool names, rejected queries, database failures, and
// timeouts all surface as InvocationResult values with Success=false and a
// human-readable Error. The reasoning loop feeds those results back to the
// model verbatim, so the model can read the rejection and rephrase.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cagemetric/cagemetric/services/llm"
	"github.com/cagemetric/cagemetric/services/relay/policy"
)

const (
	// ToolNameExecuteRawSQL is the wire name the model uses to request a query.
	ToolNameExecuteRawSQL = "execute_raw_sql_query"

	// DefaultRowLimit caps the rows returned from a single invocation.
	DefaultRowLimit = 100

	// DefaultQueryTimeout bounds a single database round trip.
	DefaultQueryTimeout = 15 * time.Second
)

// InvocationResult is the JSON-serializable outcome of one tool call. It is
// marshalled and handed back to the model as a tool message, so field names
// are part of the model-facing contract.
type InvocationResult struct {
	Success  bool             `json:"success"`
	Columns  []string         `json:"columns,omitempty"`
	Rows     []map[string]any `json:"rows,omitempty"`
	RowCount int              `json:"row_count"`
	Error    string           `json:"error,omitempty"`
}

// Gateway executes named tools on behalf of the reasoning loop.
type Gateway interface {
	// Execute runs one tool call. It never returns a Go error: every
	// failure mode is encoded in the result so the model can react to it.
	Execute(ctx context.Context, name string, args map[string]any) InvocationResult

	// Specs returns the tool definitions advertised to the model.
	Specs() []llm.ToolSpec
}

// Querier is the slice of the pgx pool the gateway needs. *pgxpool.Pool
// satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SQLGateway implements Gateway on top of a Postgres pool and the embedded
// query policy. Safe for concurrent use.
type SQLGateway struct {
	db       Querier
	engine   *policy.Engine
	rowLimit int
	timeout  time.Duration
	log      *slog.Logger
}

var _ Gateway = (*SQLGateway)(nil)

// NewSQLGateway wires the gateway to a database pool and the compiled query
// policy. A nil logger falls back to slog.Default.
func NewSQLGateway(db Querier, engine *policy.Engine, log *slog.Logger) *SQLGateway {
	if log == nil {
		log = slog.Default()
	}
	return &SQLGateway{
		db:       db,
		engine:   engine,
		rowLimit: DefaultRowLimit,
		timeout:  DefaultQueryTimeout,
		log:      log,
	}
}

// Specs describes execute_raw_sql_query in the JSON-schema shape the chat
// completion APIs expect.
func (g *SQLGateway) Specs() []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Name: ToolNameExecuteRawSQL,
			Description: "Execute a single read-only SQL SELECT statement against the fight " +
				"statistics database and return the matching rows. Write statements, DDL, " +
				"and multi-statement input are rejected.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "A single PostgreSQL SELECT statement.",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

// Execute dispatches one tool call by name.
func (g *SQLGateway) Execute(ctx context.Context, name string, args map[string]any) InvocationResult {
	tracer := otel.Tracer("cagemetric.relay.tools")
	ctx, span := tracer.Start(ctx, "tools.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", name))

	if name != ToolNameExecuteRawSQL {
		g.log.Warn("model requested an unknown tool", "tool", name)
		return InvocationResult{Success: false, Error: fmt.Sprintf("unknown tool: %s", name)}
	}

	rawQuery, ok := args["query"].(string)
	if !ok || rawQuery == "" {
		return InvocationResult{Success: false, Error: "tool call is missing the required 'query' argument"}
	}
	return g.runQuery(ctx, rawQuery)
}

func (g *SQLGateway) runQuery(ctx context.Context, query string) InvocationResult {
	if g.db == nil {
		return InvocationResult{Success: false, Error: "statistics database is not configured"}
	}
	if err := g.engine.Check(query); err != nil {
		g.log.Warn("query rejected by policy", "error", err)
		return InvocationResult{Success: false, Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	started := time.Now()
	rows, err := g.db.Query(ctx, query)
	if err != nil {
		g.log.Warn("query execution failed", "error", err)
		return InvocationResult{Success: false, Error: fmt.Sprintf("query failed: %v", err)}
	}
	defer rows.Close()

	columns := make([]string, 0, len(rows.FieldDescriptions()))
	for _, fd := range rows.FieldDescriptions() {
		columns = append(columns, fd.Name)
	}

	collected := make([]map[string]any, 0)
	truncated := false
	for rows.Next() {
		if len(collected) >= g.rowLimit {
			truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return InvocationResult{Success: false, Error: fmt.Sprintf("failed to read a result row: %v", err)}
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		collected = append(collected, row)
	}
	if err := rows.Err(); err != nil {
		return InvocationResult{Success: false, Error: fmt.Sprintf("query failed: %v", err)}
	}

	g.log.Debug("query executed",
		"rows", len(collected),
		"truncated", truncated,
		"duration_ms", time.Since(started).Milliseconds())

	return InvocationResult{
		Success:  true,
		Columns:  columns,
		Rows:     collected,
		RowCount: len(collected),
	}
}

// normalizeValue converts driver-native values into shapes that survive a
// round trip through encoding/json without surprises.
func normalizeValue(v any) any {
	switch typed := v.(type) {
	case []byte:
		return string(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	default:
		return v
	}
}
