// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package usage meters per-user request volume.
//
// The gate sits in front of the reasoning pipeline: a user over their daily
// budget is told so before any model work starts. Metering is an accounting
// concern, not a security boundary, so the gate fails open: if the counter
// store is unreachable the request proceeds and the failure is logged.
package usage

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cagemetric/cagemetric/services/relay/datatypes"
)

// Gate answers whether a user may start another request today.
type Gate interface {
	// CheckLimit reports the user's current usage and whether another
	// request is allowed. Infrastructure failures allow the request.
	CheckLimit(ctx context.Context, userID int64) (datatypes.Usage, bool)

	// GetUsage returns the user's counters without the fail-open wrapping.
	GetUsage(ctx context.Context, userID int64) (datatypes.Usage, error)

	// Record counts one completed request against the user's daily budget.
	Record(ctx context.Context, userID int64) error
}

// DB is the slice of the pgx pool the gate needs. *pgxpool.Pool satisfies it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresGate counts requests in the usage_log table, bucketed by UTC day.
type PostgresGate struct {
	db         DB
	dailyLimit int
	log        *slog.Logger
}

var _ Gate = (*PostgresGate)(nil)

func NewPostgresGate(db DB, dailyLimit int, log *slog.Logger) *PostgresGate {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresGate{db: db, dailyLimit: dailyLimit, log: log}
}

func (g *PostgresGate) GetUsage(ctx context.Context, userID int64) (datatypes.Usage, error) {
	const q = `
		SELECT count(*)
		FROM usage_log
		WHERE user_id = $1
		  AND requested_at >= date_trunc('day', now() AT TIME ZONE 'utc')`
	var count int
	if err := g.db.QueryRow(ctx, q, userID).Scan(&count); err != nil {
		return datatypes.Usage{}, err
	}
	return datatypes.Usage{DailyRequests: count, DailyLimit: g.dailyLimit}, nil
}

func (g *PostgresGate) CheckLimit(ctx context.Context, userID int64) (datatypes.Usage, bool) {
	current, err := g.GetUsage(ctx, userID)
	if err != nil {
		// Fail open: metering must not take the product down with it.
		g.log.Warn("usage lookup failed, allowing request", "user_id", userID, "error", err)
		return datatypes.Usage{DailyLimit: g.dailyLimit}, true
	}
	return current, current.DailyRequests < current.DailyLimit
}

func (g *PostgresGate) Record(ctx context.Context, userID int64) error {
	const q = `INSERT INTO usage_log (user_id, requested_at) VALUES ($1, now())`
	if _, err := g.db.Exec(ctx, q, userID); err != nil {
		g.log.Warn("failed to record usage", "user_id", userID, "error", err)
		return err
	}
	return nil
}
