// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package usage

import (
	"context"
	"sync"
	"time"

	"github.com/cagemetric/cagemetric/services/relay/datatypes"
)

// MemoryGate meters requests in process memory, bucketed by UTC day.
// Counters vanish on restart; it exists for development alongside the
// in-memory store.
type MemoryGate struct {
	mu         sync.Mutex
	counts     map[int64]int
	day        string
	dailyLimit int
	now        func() time.Time
}

var _ Gate = (*MemoryGate)(nil)

func NewMemoryGate(dailyLimit int) *MemoryGate {
	return &MemoryGate{
		counts:     make(map[int64]int),
		dailyLimit: dailyLimit,
		now:        time.Now,
	}
}

// rollover resets the counters when the UTC day changes. Caller holds mu.
func (g *MemoryGate) rollover() {
	today := g.now().UTC().Format(time.DateOnly)
	if g.day != today {
		g.day = today
		g.counts = make(map[int64]int)
	}
}

func (g *MemoryGate) GetUsage(_ context.Context, userID int64) (datatypes.Usage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover()
	return datatypes.Usage{DailyRequests: g.counts[userID], DailyLimit: g.dailyLimit}, nil
}

func (g *MemoryGate) CheckLimit(ctx context.Context, userID int64) (datatypes.Usage, bool) {
	current, _ := g.GetUsage(ctx, userID)
	return current, current.DailyRequests < current.DailyLimit
}

func (g *MemoryGate) Record(_ context.Context, userID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover()
	g.counts[userID]++
	return nil
}
