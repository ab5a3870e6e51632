// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngine_EmbeddedRulesLoad(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)
	require.NotEmpty(t, engine.Rules)

	// Rules must arrive sorted from highest to lowest priority.
	for i := 1; i < len(engine.Rules); i++ {
		assert.GreaterOrEqual(t, engine.Rules[i-1].Priority, engine.Rules[i].Priority)
	}
	for _, rule := range engine.Rules {
		assert.Len(t, rule.CompiledPatterns, len(rule.Patterns),
			"rule %s should have every pattern compiled", rule.Name)
	}
}

func TestCheck_AllowsReadQueries(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	allowed := []string{
		"SELECT name, wins, losses FROM fighters WHERE weight_class = 'lightweight'",
		"select count(*) from bouts where method = 'KO/TKO';",
		"  SELECT f.name, avg(b.sig_strikes_landed) FROM fighters f JOIN bout_stats b ON b.fighter_id = f.id GROUP BY f.name",
		"WITH recent AS (SELECT * FROM events WHERE event_date > '2025-01-01') SELECT count(*) FROM recent",
	}
	for _, query := range allowed {
		assert.NoError(t, engine.Check(query), "query should pass: %s", query)
	}
}

func TestCheck_RejectsWritesAndEscapes(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	tests := []struct {
		name     string
		query    string
		ruleName string
	}{
		{"empty", "   ", "structure"},
		{"not a select", "EXPLAIN SELECT 1", "structure"},
		{"delete", "SELECT 1; DELETE FROM fighters", "write_statements"},
		{"update disguised", "select * from fighters where note = 'x' UPDATE fighters SET wins = 0", "write_statements"},
		{"drop table", "WITH x AS (SELECT 1) DROP TABLE fighters", "write_statements"},
		{"grant", "SELECT 1 GRANT ALL ON fighters TO public", "write_statements"},
		{"copy out", "SELECT 1 COPY fighters TO '/tmp/out'", "escape_hatches"},
		{"comment injection", "SELECT * FROM fighters -- WHERE id = 1", "escape_hatches"},
		{"chained statements", "SELECT 1; SELECT 2", "multi_statement"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.Check(tt.query)
			require.Error(t, err)
			var violation *Violation
			require.True(t, errors.As(err, &violation))
			assert.Equal(t, tt.ruleName, violation.RuleName)
		})
	}
}

func TestCheck_CaseInsensitive(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	err = engine.Check("select 1 dElEtE from fighters")
	require.Error(t, err)
}

func TestCheck_TrailingSemicolonTolerated(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	assert.NoError(t, engine.Check("SELECT 1;"))
	assert.Error(t, engine.Check("SELECT 1;;"))
}
